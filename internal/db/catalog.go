package db

import (
	"context"
	"sort"

	"github.com/marcus/spendbook/internal/models"
)

// CreateCategory stores a new category and sets its ID.
func (db *DB) CreateCategory(ctx context.Context, c *models.Category) error {
	id, err := db.create(ctx, TableCategories, c)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

// GetCategory returns a live category.
func (db *DB) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	return getTyped[models.Category](ctx, db, TableCategories, id)
}

// ListCategories returns the user's live categories sorted by name.
func (db *DB) ListCategories(ctx context.Context, userID string, activeOnly bool) ([]models.Category, error) {
	where := map[string]any{ColUserID: userID}
	if activeOnly {
		where["active"] = true
	}
	return queryTyped[models.Category](ctx, db.Query, TableCategories, Filter{Where: where, OrderBy: "name"})
}

// ChildCategories returns the live direct children of a category.
func (db *DB) ChildCategories(ctx context.Context, parentID string) ([]models.Category, error) {
	return queryTyped[models.Category](ctx, db.Query, TableCategories, Filter{
		Where:   map[string]any{"parent_id": parentID},
		OrderBy: "name",
	})
}

// DeactivateCategory hides a category from pickers without deleting it.
func (db *DB) DeactivateCategory(ctx context.Context, id string) error {
	return db.Update(ctx, TableCategories, id, Row{"active": false})
}

// DeleteCategory soft-deletes a category.
func (db *DB) DeleteCategory(ctx context.Context, id string) error {
	return db.SoftDelete(ctx, TableCategories, id)
}

// CreateContext stores a new context and sets its ID.
func (db *DB) CreateContext(ctx context.Context, c *models.Context) error {
	id, err := db.create(ctx, TableContexts, c)
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

// ListContexts returns the user's live contexts sorted by name.
func (db *DB) ListContexts(ctx context.Context, userID string) ([]models.Context, error) {
	return queryTyped[models.Context](ctx, db.Query, TableContexts, Filter{
		Where:   map[string]any{ColUserID: userID},
		OrderBy: "name",
	})
}

// DeleteContext soft-deletes a context.
func (db *DB) DeleteContext(ctx context.Context, id string) error {
	return db.SoftDelete(ctx, TableContexts, id)
}

// CreateImportRule stores a new import rule and sets its ID.
func (db *DB) CreateImportRule(ctx context.Context, r *models.ImportRule) error {
	id, err := db.create(ctx, TableImportRules, r)
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// ListImportRules returns the user's active rules, highest priority first.
// Ties keep creation order.
func (db *DB) ListImportRules(ctx context.Context, userID string) ([]models.ImportRule, error) {
	rules, err := queryTyped[models.ImportRule](ctx, db.Query, TableImportRules, Filter{
		Where:   map[string]any{ColUserID: userID, "active": true},
		OrderBy: ColCreatedAt,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules, nil
}
