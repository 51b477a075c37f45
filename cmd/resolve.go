package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
)

// matchID resolves ref against ids: an exact id, or a unique prefix of at
// least four characters.
func matchID(ids []string, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	var found []string
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if len(ref) >= 4 && strings.HasPrefix(id, ref) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%q: %w", ref, db.ErrNotFound)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("%q is ambiguous (%d matches)", ref, len(found))
}

// resolveCategory finds a category by id, id prefix or case-insensitive name.
func resolveCategory(ctx context.Context, store *db.DB, userID, ref string) (*models.Category, error) {
	cats, err := store.ListCategories(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	for i := range cats {
		if strings.EqualFold(cats[i].Name, ref) {
			return &cats[i], nil
		}
	}
	ids := make([]string, len(cats))
	for i, c := range cats {
		ids[i] = c.ID
	}
	id, err := matchID(ids, ref)
	if err != nil {
		return nil, fmt.Errorf("category %w", err)
	}
	for i := range cats {
		if cats[i].ID == id {
			return &cats[i], nil
		}
	}
	return nil, db.ErrNotFound
}

// resolveGroup finds a group by id, id prefix or case-insensitive name.
func resolveGroup(ctx context.Context, store *db.DB, userID, ref string) (*models.Group, error) {
	groups, err := store.ListGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(groups))
	for i := range groups {
		if strings.EqualFold(groups[i].Name, ref) {
			return &groups[i], nil
		}
		ids[i] = groups[i].ID
	}
	id, err := matchID(ids, ref)
	if err != nil {
		return nil, fmt.Errorf("group %w", err)
	}
	return store.GetGroup(ctx, id)
}

// categoryNames maps category ids to names.
func categoryNames(ctx context.Context, store *db.DB, userID string) map[string]string {
	cats, err := store.ListCategories(ctx, userID, false)
	if err != nil {
		return nil
	}
	names := make(map[string]string, len(cats))
	for _, c := range cats {
		names[c.ID] = c.Name
	}
	return names
}

// parseAmount reads a non-negative decimal amount.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must not be negative: %s", s)
	}
	return d, nil
}

// parseTxType accepts a transaction type or its first letter.
func parseTxType(s string) (models.TxType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "expense", "e", "":
		return models.TypeExpense, nil
	case "income", "i":
		return models.TypeIncome, nil
	case "investment", "inv":
		return models.TypeInvestment, nil
	}
	return "", fmt.Errorf("invalid type %q (use expense, income or investment)", s)
}
