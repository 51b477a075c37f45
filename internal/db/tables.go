package db

import (
	"fmt"
	"regexp"
)

// Table names of the synced entities.
const (
	TableTransactions    = "transactions"
	TableCategories      = "categories"
	TableContexts        = "contexts"
	TableRecurring       = "recurring_transactions"
	TableGroups          = "groups"
	TableGroupMembers    = "group_members"
	TableCategoryBudgets = "category_budgets"
	TableUserSettings    = "user_settings"
	TableProfiles        = "profiles"
	TableImportRules     = "import_rules"
)

// Bookkeeping column names.
const (
	ColID            = "id"
	ColUserID        = "user_id"
	ColCreatedAt     = "created_at"
	ColUpdatedAt     = "updated_at"
	ColDeletedAt     = "deleted_at"
	ColPendingSync   = "pending_sync"
	ColSyncToken     = "sync_token"
	ColLastSyncToken = "last_sync_token"
)

type kind int

const (
	kindText kind = iota
	kindInt
	kindBool
	kindTime    // RFC 3339 text, nullable
	kindDecimal // decimal text
)

type column struct {
	name string
	kind kind
}

type tableDef struct {
	name    string
	columns []column
	index   map[string]kind
}

var validColumnName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func meta(cols ...column) []column {
	base := []column{
		{ColID, kindText},
		{ColUserID, kindText},
	}
	tail := []column{
		{ColCreatedAt, kindTime},
		{ColUpdatedAt, kindTime},
		{ColDeletedAt, kindTime},
		{ColPendingSync, kindInt},
		{ColSyncToken, kindInt},
	}
	out := append(base, cols...)
	return append(out, tail...)
}

// SyncTables lists the synced tables in dependency order: parents before
// the rows that reference them. Push and pull both walk this order.
var SyncTables = []string{
	TableProfiles,
	TableUserSettings,
	TableGroups,
	TableGroupMembers,
	TableCategories,
	TableContexts,
	TableImportRules,
	TableCategoryBudgets,
	TableRecurring,
	TableTransactions,
}

var tableDefs = map[string]*tableDef{}

func register(name string, cols []column) {
	def := &tableDef{name: name, columns: cols, index: make(map[string]kind, len(cols))}
	for _, c := range cols {
		def.index[c.name] = c.kind
	}
	tableDefs[name] = def
}

func init() {
	register(TableTransactions, meta(
		column{"group_id", kindText},
		column{"paid_by_member_id", kindText},
		column{"category_id", kindText},
		column{"context_id", kindText},
		column{"type", kindText},
		column{"amount", kindDecimal},
		column{"date", kindText},
		column{"year_month", kindText},
		column{"description", kindText},
		column{"recurring_id", kindText},
	))
	register(TableCategories, meta(
		column{"group_id", kindText},
		column{"name", kindText},
		column{"icon", kindText},
		column{"color", kindText},
		column{"type", kindText},
		column{"parent_id", kindText},
		column{"active", kindBool},
	))
	register(TableContexts, meta(
		column{"name", kindText},
		column{"description", kindText},
		column{"active", kindBool},
	))
	register(TableRecurring, meta(
		column{"group_id", kindText},
		column{"paid_by_member_id", kindText},
		column{"type", kindText},
		column{"category_id", kindText},
		column{"context_id", kindText},
		column{"amount", kindDecimal},
		column{"description", kindText},
		column{"frequency", kindText},
		column{"start_date", kindText},
		column{"end_date", kindText},
		column{"active", kindBool},
		column{"last_generated", kindText},
	))
	register(TableGroups, meta(
		column{"name", kindText},
		column{"description", kindText},
		column{"created_by", kindText},
	))
	register(TableGroupMembers, meta(
		column{"group_id", kindText},
		column{"member_user_id", kindText},
		column{"share", kindDecimal},
		column{"is_guest", kindBool},
		column{"guest_name", kindText},
		column{"removed_at", kindTime},
	))
	register(TableCategoryBudgets, meta(
		column{"category_id", kindText},
		column{"amount", kindDecimal},
		column{"period", kindText},
	))
	register(TableUserSettings, meta(
		column{"currency", kindText},
		column{"theme", kindText},
		column{"budget_target", kindDecimal},
		column{ColLastSyncToken, kindInt},
	))
	register(TableProfiles, meta(
		column{"email", kindText},
		column{"full_name", kindText},
		column{"avatar_url", kindText},
	))
	register(TableImportRules, meta(
		column{"pattern", kindText},
		column{"match_type", kindText},
		column{"category_id", kindText},
		column{"context_id", kindText},
		column{"priority", kindInt},
		column{"active", kindBool},
	))
}

// IsSyncTable reports whether name is one of the synced entity tables.
func IsSyncTable(name string) bool {
	_, ok := tableDefs[name]
	return ok
}

// Columns returns the column names of a table in schema order.
func Columns(table string) ([]string, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(def.columns))
	for i, c := range def.columns {
		names[i] = c.name
	}
	return names, nil
}

// IsLocalColumn reports whether a column is device-local bookkeeping that
// never travels to the remote authority.
func IsLocalColumn(name string) bool {
	switch name {
	case ColPendingSync, ColSyncToken, ColLastSyncToken:
		return true
	}
	return false
}

func lookup(table string) (*tableDef, error) {
	def, ok := tableDefs[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return def, nil
}

func (d *tableDef) has(col string) bool {
	_, ok := d.index[col]
	return ok
}

func (d *tableDef) checkColumns(row Row) error {
	for k := range row {
		if !validColumnName.MatchString(k) || !d.has(k) {
			return fmt.Errorf("%w: %s.%s", ErrInvalidColumn, d.name, k)
		}
	}
	return nil
}
