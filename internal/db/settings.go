package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/spendbook/internal/models"
	"github.com/shopspring/decimal"
)

// GetSettings returns the user's settings, or defaults when none are stored.
func (db *DB) GetSettings(ctx context.Context, userID string) (*models.Setting, error) {
	s, err := getTyped[models.Setting](ctx, db, TableUserSettings, userID)
	if errors.Is(err, ErrNotFound) {
		return &models.Setting{
			SyncMeta:     models.SyncMeta{ID: userID, UserID: userID},
			Currency:     "EUR",
			Theme:        "system",
			BudgetTarget: decimal.Zero,
		}, nil
	}
	return s, err
}

// SaveSettings stores the user's settings. The pull cursor is not touched.
func (db *DB) SaveSettings(ctx context.Context, s *models.Setting) error {
	s.ID = s.UserID
	_, err := db.create(ctx, TableUserSettings, s)
	return err
}

// SaveProfile stores the user's profile; its id is the user id.
func (db *DB) SaveProfile(ctx context.Context, p *models.Profile) error {
	p.ID = p.UserID
	_, err := db.create(ctx, TableProfiles, p)
	return err
}

// GetProfile returns the user's profile.
func (db *DB) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	return getTyped[models.Profile](ctx, db, TableProfiles, userID)
}

// SetBudget creates or updates the user's budget for a category and period.
func (db *DB) SetBudget(ctx context.Context, b *models.CategoryBudget) error {
	if b.Amount.IsNegative() {
		return fmt.Errorf("%w: negative budget amount", ErrValidation)
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		existing, err := queryTyped[models.CategoryBudget](ctx, tx.Query, TableCategoryBudgets, Filter{
			Where: map[string]any{ColUserID: b.UserID, "category_id": b.CategoryID, "period": string(b.Period)},
			Limit: 1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			b.ID = existing[0].ID
			return tx.Update(ctx, TableCategoryBudgets, b.ID, Row{"amount": b.Amount})
		}
		b.ID, err = tx.create(ctx, TableCategoryBudgets, b)
		return err
	})
}

// ListBudgets returns the user's live budgets.
func (db *DB) ListBudgets(ctx context.Context, userID string) ([]models.CategoryBudget, error) {
	return queryTyped[models.CategoryBudget](ctx, db.Query, TableCategoryBudgets, Filter{
		Where:   map[string]any{ColUserID: userID},
		OrderBy: ColCreatedAt,
	})
}

// DeleteBudget soft-deletes a budget.
func (db *DB) DeleteBudget(ctx context.Context, id string) error {
	return db.SoftDelete(ctx, TableCategoryBudgets, id)
}
