package db

import (
	"context"

	"github.com/marcus/spendbook/internal/models"
)

// CreateRecurring stores a new recurring template and sets its ID.
func (db *DB) CreateRecurring(ctx context.Context, r *models.RecurringTransaction) error {
	id, err := db.create(ctx, TableRecurring, r)
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// GetRecurring returns a live recurring template.
func (db *DB) GetRecurring(ctx context.Context, id string) (*models.RecurringTransaction, error) {
	return getTyped[models.RecurringTransaction](ctx, db, TableRecurring, id)
}

// GetRecurring reads a live template inside tx.
func (tx *Tx) GetRecurring(ctx context.Context, id string) (*models.RecurringTransaction, error) {
	row, err := tx.Get(ctx, TableRecurring, id)
	if err != nil {
		return nil, err
	}
	r, err := Decode[models.RecurringTransaction](row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRecurring applies a partial update to a template.
func (db *DB) UpdateRecurring(ctx context.Context, id string, partial Row) error {
	return db.Update(ctx, TableRecurring, id, partial)
}

// DeleteRecurring soft-deletes a template. Transactions it generated stay.
func (db *DB) DeleteRecurring(ctx context.Context, id string) error {
	return db.SoftDelete(ctx, TableRecurring, id)
}

// ListRecurring returns the user's live templates by start date.
func (db *DB) ListRecurring(ctx context.Context, userID string) ([]models.RecurringTransaction, error) {
	return queryTyped[models.RecurringTransaction](ctx, db.Query, TableRecurring, Filter{
		Where:   map[string]any{ColUserID: userID},
		OrderBy: "start_date",
	})
}

// ActiveRecurring returns the user's live, active templates.
func (db *DB) ActiveRecurring(ctx context.Context, userID string) ([]models.RecurringTransaction, error) {
	return queryTyped[models.RecurringTransaction](ctx, db.Query, TableRecurring, Filter{
		Where:   map[string]any{ColUserID: userID, "active": true},
		OrderBy: "start_date",
	})
}
