package db

import (
	"context"

	"github.com/marcus/spendbook/internal/models"
)

// TransactionFilter narrows ListTransactions. Empty fields match everything.
type TransactionFilter struct {
	UserID     string
	YearMonth  string
	GroupID    string
	CategoryID string
	Limit      int
}

// CreateTransaction stores a new transaction and sets its ID.
func (db *DB) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateTransaction(ctx, t)
	})
}

// CreateTransaction stores a new transaction inside tx and sets its ID.
func (tx *Tx) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if len(t.Date) >= 7 {
		t.YearMonth = t.Date[:7]
	}
	id, err := tx.create(ctx, TableTransactions, t)
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

// GetTransaction returns a live transaction.
func (db *DB) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return getTyped[models.Transaction](ctx, db, TableTransactions, id)
}

// UpdateTransaction applies a partial update; changing date re-derives year_month.
func (db *DB) UpdateTransaction(ctx context.Context, id string, partial Row) error {
	return db.Update(ctx, TableTransactions, id, partial)
}

// DeleteTransaction soft-deletes a transaction.
func (db *DB) DeleteTransaction(ctx context.Context, id string) error {
	return db.SoftDelete(ctx, TableTransactions, id)
}

// ListTransactions returns live transactions, newest date first.
func (db *DB) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	where := map[string]any{}
	if f.UserID != "" {
		where[ColUserID] = f.UserID
	}
	if f.YearMonth != "" {
		where["year_month"] = f.YearMonth
	}
	if f.GroupID != "" {
		where["group_id"] = f.GroupID
	}
	if f.CategoryID != "" {
		where["category_id"] = f.CategoryID
	}
	return queryTyped[models.Transaction](ctx, db.Query, TableTransactions, Filter{
		Where:   where,
		OrderBy: "date",
		Desc:    true,
		Limit:   f.Limit,
	})
}
