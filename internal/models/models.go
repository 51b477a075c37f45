package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the kind of money movement a transaction or category records.
type TxType string

const (
	TypeIncome     TxType = "income"
	TypeExpense    TxType = "expense"
	TypeInvestment TxType = "investment"
)

// Frequency is the recurrence step of a recurring template.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// BudgetPeriod is the window a category budget applies to.
type BudgetPeriod string

const (
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodYearly  BudgetPeriod = "yearly"
)

// MatchType selects how an import rule pattern is compared.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchPrefix   MatchType = "prefix"
	MatchExact    MatchType = "exact"
)

// DateLayout is the storage format of calendar dates.
const DateLayout = "2006-01-02"

// SyncMeta holds the columns every synced record carries.
// PendingSync is 1 while the record has local changes the remote
// authority has not acknowledged.
type SyncMeta struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id" validate:"required"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	PendingSync int        `json:"pending_sync"`
	SyncToken   *int64     `json:"sync_token,omitempty"`
}

// IsDeleted reports whether the record is a soft-deleted tombstone.
func (m SyncMeta) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Transaction is a single income, expense or investment entry.
type Transaction struct {
	SyncMeta
	GroupID        string          `json:"group_id"`
	PaidByMemberID string          `json:"paid_by_member_id"`
	CategoryID     string          `json:"category_id"`
	ContextID      string          `json:"context_id"`
	Type           TxType          `json:"type" validate:"required,oneof=income expense investment"`
	Amount         decimal.Decimal `json:"amount"`
	Date           string          `json:"date" validate:"required,datetime=2006-01-02"`
	YearMonth      string          `json:"year_month"`
	Description    string          `json:"description"`
	RecurringID    string          `json:"recurring_id"`
}

// Category groups transactions; ParentID forms a tree.
type Category struct {
	SyncMeta
	GroupID  string `json:"group_id"`
	Name     string `json:"name" validate:"required"`
	Icon     string `json:"icon"`
	Color    string `json:"color"`
	Type     TxType `json:"type" validate:"required,oneof=income expense investment"`
	ParentID string `json:"parent_id"`
	Active   bool   `json:"active"`
}

// Context is a free-form tag (trip, project) a transaction can belong to.
type Context struct {
	SyncMeta
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// RecurringTransaction is a template the generator materializes into
// transactions. LastGenerated is the date of the most recent occurrence
// written, empty when nothing was generated yet.
type RecurringTransaction struct {
	SyncMeta
	GroupID        string          `json:"group_id"`
	PaidByMemberID string          `json:"paid_by_member_id"`
	Type           TxType          `json:"type" validate:"required,oneof=income expense investment"`
	CategoryID     string          `json:"category_id"`
	ContextID      string          `json:"context_id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	Frequency      Frequency       `json:"frequency" validate:"required,oneof=daily weekly monthly yearly"`
	StartDate      string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate        string          `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Active         bool            `json:"active"`
	LastGenerated  string          `json:"last_generated" validate:"omitempty,datetime=2006-01-02"`
}

// Group is a shared ledger between several members.
type Group struct {
	SyncMeta
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by" validate:"required"`
}

// GroupMember is a user or guest taking a percentage share of group expenses.
type GroupMember struct {
	SyncMeta
	GroupID      string          `json:"group_id" validate:"required"`
	MemberUserID string          `json:"member_user_id" validate:"required_without=IsGuest"`
	Share        decimal.Decimal `json:"share"`
	IsGuest      bool            `json:"is_guest"`
	GuestName    string          `json:"guest_name" validate:"required_if=IsGuest true"`
	RemovedAt    *time.Time      `json:"removed_at,omitempty"`
}

// Active reports whether the member still takes part in the group.
func (m GroupMember) Active() bool {
	return m.RemovedAt == nil && m.DeletedAt == nil
}

// DisplayName returns the guest name for guests and the user id otherwise.
func (m GroupMember) DisplayName() string {
	if m.IsGuest {
		return m.GuestName
	}
	return m.MemberUserID
}

// CategoryBudget caps spending for one category over a period.
type CategoryBudget struct {
	SyncMeta
	CategoryID string          `json:"category_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Period     BudgetPeriod    `json:"period" validate:"required,oneof=monthly yearly"`
}

// Setting holds per-user preferences; its ID is the user id.
// LastSyncToken is the local pull cursor and never leaves the device.
type Setting struct {
	SyncMeta
	Currency      string          `json:"currency"`
	Theme         string          `json:"theme"`
	BudgetTarget  decimal.Decimal `json:"budget_target"`
	LastSyncToken int64           `json:"last_sync_token"`
}

// Profile is the public identity of a user; its ID is the user id.
type Profile struct {
	SyncMeta
	Email     string `json:"email" validate:"omitempty,email"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

// ImportRule assigns a category (and optionally a context) to imported
// rows whose description matches Pattern.
type ImportRule struct {
	SyncMeta
	Pattern    string    `json:"pattern" validate:"required"`
	MatchType  MatchType `json:"match_type" validate:"required,oneof=contains prefix exact"`
	CategoryID string    `json:"category_id" validate:"required"`
	ContextID  string    `json:"context_id"`
	Priority   int       `json:"priority"`
	Active     bool      `json:"active"`
}
