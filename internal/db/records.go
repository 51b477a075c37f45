package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one record as a column → value map. Values read from the store are
// normalized: text and decimal columns are strings, integer columns int64,
// boolean columns bool, and NULL is nil.
type Row map[string]any

// String returns the column as a string, "" when absent or NULL.
func (r Row) String(col string) string {
	if s, ok := r[col].(string); ok {
		return s
	}
	return ""
}

// Int returns the column as an int64, 0 when absent or NULL.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// IsNull reports whether the column is absent or NULL.
func (r Row) IsNull(col string) bool {
	return r[col] == nil
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter selects rows for Query. Where is a set of equality conditions; a nil
// value matches NULL.
type Filter struct {
	Where          map[string]any
	OrderBy        string
	Desc           bool
	Limit          int
	IncludeDeleted bool
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// Tx is a store transaction. All writes go through its mutation gateway,
// which marks rows dirty and stamps updated_at.
type Tx struct {
	tx      *sql.Tx
	db      *DB
	changes []Change
}

// SQL returns the underlying transaction.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

func (t *Tx) record(table, id string) {
	for i := range t.changes {
		if t.changes[i].Table == table {
			t.changes[i].IDs = append(t.changes[i].IDs, id)
			return
		}
	}
	t.changes = append(t.changes, Change{Table: table, IDs: []string{id}})
}

// Get returns a live (not soft-deleted) record.
func (t *Tx) Get(ctx context.Context, table, id string) (Row, error) {
	return getRow(ctx, t.tx, table, id, false)
}

// GetAny returns a record whether or not it is soft-deleted.
func (t *Tx) GetAny(ctx context.Context, table, id string) (Row, error) {
	return getRow(ctx, t.tx, table, id, true)
}

// Query returns the rows of table matching f.
func (t *Tx) Query(ctx context.Context, table string, f Filter) ([]Row, error) {
	return queryRows(ctx, t.tx, table, f)
}

// Put upserts a record through the mutation gateway. A missing id is
// generated; pending_sync is set and updated_at stamped; sync_token and the
// local cursor are never written. Returns the record id.
func (t *Tx) Put(ctx context.Context, table string, row Row) (string, error) {
	def, err := lookup(table)
	if err != nil {
		return "", err
	}
	if err := def.checkColumns(row); err != nil {
		return "", err
	}

	row = row.Clone()
	delete(row, ColSyncToken)
	delete(row, ColLastSyncToken)

	id := row.String(ColID)
	if id == "" {
		id = NewID()
		row[ColID] = id
	}
	now := t.db.now()
	if created, ok := parseTime(row[ColCreatedAt]); !ok || created.IsZero() {
		row[ColCreatedAt] = now
	}
	row[ColUpdatedAt] = now
	row[ColPendingSync] = 1
	deriveColumns(table, row)

	cols := sortedKeys(row)
	ph := make([]string, len(cols))
	vals := make([]any, len(cols))
	var sets []string
	for i, c := range cols {
		ph[i] = "?"
		vals[i], err = toDBValue(def.index[c], row[c])
		if err != nil {
			return "", fmt.Errorf("put %s/%s: %s: %w", table, id, c, err)
		}
		if c != ColID && c != ColCreatedAt {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		quote(table), strings.Join(cols, ", "), strings.Join(ph, ", "), strings.Join(sets, ", "))
	if _, err := t.tx.ExecContext(ctx, query, vals...); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", table, id, err)
	}
	t.record(table, id)
	return id, nil
}

// Update applies a partial update to a live record through the mutation
// gateway. Returns ErrNotFound when the record is missing or soft-deleted.
func (t *Tx) Update(ctx context.Context, table, id string, partial Row) error {
	def, err := lookup(table)
	if err != nil {
		return err
	}
	if err := def.checkColumns(partial); err != nil {
		return err
	}

	row := partial.Clone()
	for _, c := range []string{ColID, ColCreatedAt, ColSyncToken, ColLastSyncToken, ColDeletedAt} {
		delete(row, c)
	}
	row[ColUpdatedAt] = t.db.now()
	row[ColPendingSync] = 1
	deriveColumns(table, row)

	cols := sortedKeys(row)
	sets := make([]string, len(cols))
	vals := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		v, err := toDBValue(def.index[c], row[c])
		if err != nil {
			return fmt.Errorf("update %s/%s: %s: %w", table, id, c, err)
		}
		vals = append(vals, v)
	}
	vals = append(vals, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND deleted_at IS NULL", quote(table), strings.Join(sets, ", "))
	res, err := t.tx.ExecContext(ctx, query, vals...)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s/%s: %w", table, id, ErrNotFound)
	}
	t.record(table, id)
	return nil
}

// SoftDelete marks a record deleted and dirty. Deleting an already deleted
// record is a no-op; a missing record is ErrNotFound.
func (t *Tx) SoftDelete(ctx context.Context, table, id string) error {
	if _, err := lookup(table); err != nil {
		return err
	}
	now := formatTime(t.db.now())
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ?, pending_sync = 1 WHERE id = ? AND deleted_at IS NULL", quote(table)),
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetAny(ctx, table, id); err != nil {
			return fmt.Errorf("soft delete %s/%s: %w", table, id, err)
		}
		return nil
	}
	t.record(table, id)
	return nil
}

// Get returns a live (not soft-deleted) record.
func (db *DB) Get(ctx context.Context, table, id string) (Row, error) {
	return getRow(ctx, db.conn, table, id, false)
}

// GetAny returns a record whether or not it is soft-deleted.
func (db *DB) GetAny(ctx context.Context, table, id string) (Row, error) {
	return getRow(ctx, db.conn, table, id, true)
}

// Query returns the rows of table matching f. Soft-deleted rows are
// excluded unless f.IncludeDeleted is set.
func (db *DB) Query(ctx context.Context, table string, f Filter) ([]Row, error) {
	return queryRows(ctx, db.conn, table, f)
}

// GetAnyTx reads a record, tombstones included, inside a raw transaction.
func GetAnyTx(ctx context.Context, tx *sql.Tx, table, id string) (Row, error) {
	return getRow(ctx, tx, table, id, true)
}

// QueryTx runs Query inside a raw transaction.
func QueryTx(ctx context.Context, tx *sql.Tx, table string, f Filter) ([]Row, error) {
	return queryRows(ctx, tx, table, f)
}

// Put upserts one record in its own transaction. See Tx.Put.
func (db *DB) Put(ctx context.Context, table string, row Row) (string, error) {
	var id string
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Put(ctx, table, row)
		return err
	})
	return id, err
}

// Update applies a partial update in its own transaction. See Tx.Update.
func (db *DB) Update(ctx context.Context, table, id string, partial Row) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.Update(ctx, table, id, partial)
	})
}

// SoftDelete marks one record deleted in its own transaction.
func (db *DB) SoftDelete(ctx context.Context, table, id string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.SoftDelete(ctx, table, id)
	})
}

// ClearAll wipes every table. Safe to call on an empty store.
func (db *DB) ClearAll(ctx context.Context) error {
	tables := append([]string{}, SyncTables...)
	err := db.withWriteLock(func() error {
		sqlTx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback()
		for _, t := range append(tables, "sync_conflicts", "sync_history") {
			if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+quote(t)); err != nil {
				return fmt.Errorf("clear %s: %w", t, err)
			}
		}
		return sqlTx.Commit()
	})
	if err != nil {
		return err
	}
	changes := make([]Change, len(tables))
	for i, t := range tables {
		changes[i] = Change{Table: t}
	}
	db.Notify(OriginReset, changes...)
	return nil
}

func getRow(ctx context.Context, q querier, table, id string, includeDeleted bool) (Row, error) {
	rows, err := queryRows(ctx, q, table, Filter{
		Where:          map[string]any{ColID: id},
		IncludeDeleted: includeDeleted,
		Limit:          1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	return rows[0], nil
}

func queryRows(ctx context.Context, q querier, table string, f Filter) ([]Row, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}

	cols, _ := Columns(table)
	var where []string
	var args []any
	for _, k := range sortedKeys(f.Where) {
		if !def.has(k) {
			return nil, fmt.Errorf("%w: %s.%s", ErrInvalidColumn, table, k)
		}
		v := f.Where[k]
		if v == nil {
			where = append(where, k+" IS NULL")
			continue
		}
		dv, err := toDBValue(def.index[k], v)
		if err != nil {
			return nil, fmt.Errorf("query %s: %s: %w", table, k, err)
		}
		where = append(where, k+" = ?")
		args = append(args, dv)
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quote(table))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OrderBy != "" {
		if !def.has(f.OrderBy) {
			return nil, fmt.Errorf("%w: %s.%s", ErrInvalidColumn, table, f.OrderBy)
		}
		query += " ORDER BY " + f.OrderBy
		if f.Desc {
			query += " DESC"
		}
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return ScanRows(rows, table)
}

// ScanRows reads and closes rows selected from table, normalizing values by
// column kind. Columns not in the schema are kept as returned by the driver.
func ScanRows(rows *sql.Rows, table string) ([]Row, error) {
	defer rows.Close()
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			k, ok := def.index[c]
			if !ok {
				row[c] = vals[i]
				continue
			}
			row[c] = fromDBValue(k, vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// NormalizeRow converts wire values (JSON-decoded) into the store's value
// kinds for the given table, dropping unknown columns.
func NormalizeRow(table string, row Row) (Row, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}
	out := make(Row, len(row))
	for k, v := range row {
		kd, ok := def.index[k]
		if !ok {
			continue
		}
		dv, err := toDBValue(kd, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", table, k, err)
		}
		out[k] = fromDBValue(kd, dv)
	}
	return out, nil
}

// DBValue converts a row value into the driver value stored for the column.
func DBValue(table, col string, v any) (any, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, err
	}
	k, ok := def.index[col]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrInvalidColumn, table, col)
	}
	return toDBValue(k, v)
}

func toDBValue(k kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch k {
	case kindBool:
		switch b := v.(type) {
		case bool:
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		case int64:
			return boolInt(b != 0), nil
		case int:
			return boolInt(b != 0), nil
		case float64:
			return boolInt(b != 0), nil
		case json.Number:
			f, err := b.Float64()
			if err != nil {
				return nil, err
			}
			return boolInt(f != 0), nil
		}
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case bool:
			return boolInt(n), nil
		}
	case kindTime:
		switch t := v.(type) {
		case time.Time:
			if t.IsZero() {
				return nil, nil
			}
			return formatTime(t), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return formatTime(*t), nil
		case string:
			if t == "" {
				return nil, nil
			}
			return t, nil
		}
	case kindDecimal:
		switch d := v.(type) {
		case decimal.Decimal:
			return d.String(), nil
		case string:
			if d == "" {
				return "0", nil
			}
			if _, err := decimal.NewFromString(d); err != nil {
				return nil, err
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(d).String(), nil
		case json.Number:
			return d.String(), nil
		}
	case kindText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

func fromDBValue(k kind, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	switch k {
	case kindBool:
		switch n := v.(type) {
		case int64:
			return n != 0
		case bool:
			return n
		}
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		}
	}
	return v
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// deriveColumns fills denormalized columns the store keeps in step.
func deriveColumns(table string, row Row) {
	if table == TableTransactions {
		if d := row.String("date"); len(d) >= 7 {
			row["year_month"] = d[:7]
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
