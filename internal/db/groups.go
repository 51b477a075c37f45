package db

import (
	"context"
	"fmt"

	"github.com/marcus/spendbook/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ValidateShares checks member share percentages: each within 0–100 and
// all together exactly 100.
func ValidateShares(shares []decimal.Decimal) error {
	sum := decimal.Zero
	for _, s := range shares {
		if s.IsNegative() || s.GreaterThan(hundred) {
			return fmt.Errorf("%w: share %s out of range", ErrSharesNot100, s)
		}
		sum = sum.Add(s)
	}
	if !sum.Equal(hundred) {
		return fmt.Errorf("%w: got %s", ErrSharesNot100, sum)
	}
	return nil
}

// CreateGroup stores a group and its creator as the sole member at 100%.
// Sets the IDs of the group and returns the creator's membership.
func (db *DB) CreateGroup(ctx context.Context, g *models.Group) (*models.GroupMember, error) {
	if g.CreatedBy == "" {
		g.CreatedBy = g.UserID
	}
	var m *models.GroupMember
	err := db.WithTx(ctx, func(tx *Tx) error {
		id, err := tx.create(ctx, TableGroups, g)
		if err != nil {
			return err
		}
		g.ID = id
		m = &models.GroupMember{
			SyncMeta:     models.SyncMeta{UserID: g.UserID},
			GroupID:      id,
			MemberUserID: g.CreatedBy,
			Share:        hundred,
		}
		m.ID, err = tx.create(ctx, TableGroupMembers, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetGroup returns a live group.
func (db *DB) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	return getTyped[models.Group](ctx, db, TableGroups, id)
}

// ListGroups returns the user's live groups by name.
func (db *DB) ListGroups(ctx context.Context, userID string) ([]models.Group, error) {
	return queryTyped[models.Group](ctx, db.Query, TableGroups, Filter{
		Where:   map[string]any{ColUserID: userID},
		OrderBy: "name",
	})
}

// AddMember adds a user or guest to a group. The new member's share is
// stored as given; shares are only checked by UpdateShares, so a group may
// be transiently unbalanced while members are being set up.
func (db *DB) AddMember(ctx context.Context, m *models.GroupMember) error {
	if _, err := db.GetGroup(ctx, m.GroupID); err != nil {
		return err
	}
	id, err := db.create(ctx, TableGroupMembers, m)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// RemoveMember marks a member removed. The row stays for history.
func (db *DB) RemoveMember(ctx context.Context, memberID string) error {
	return db.Update(ctx, TableGroupMembers, memberID, Row{"removed_at": db.now()})
}

// ListMembers returns the live members of a group; activeOnly drops
// removed ones.
func (db *DB) ListMembers(ctx context.Context, groupID string, activeOnly bool) ([]models.GroupMember, error) {
	return listMembers(ctx, db.Query, groupID, activeOnly)
}

func listMembers(ctx context.Context, q func(context.Context, string, Filter) ([]Row, error), groupID string, activeOnly bool) ([]models.GroupMember, error) {
	where := map[string]any{"group_id": groupID}
	if activeOnly {
		where["removed_at"] = nil
	}
	return queryTyped[models.GroupMember](ctx, q, TableGroupMembers, Filter{Where: where, OrderBy: ColCreatedAt})
}

// UpdateShares sets the share of the given active members of a group. The
// resulting shares of all active members must sum to 100, or nothing is
// written and the error wraps ErrSharesNot100.
func (db *DB) UpdateShares(ctx context.Context, groupID string, shares map[string]decimal.Decimal) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		members, err := listMembers(ctx, tx.Query, groupID, true)
		if err != nil {
			return err
		}
		byID := make(map[string]bool, len(members))
		final := make([]decimal.Decimal, 0, len(members))
		for _, m := range members {
			byID[m.ID] = true
			if s, ok := shares[m.ID]; ok {
				final = append(final, s)
			} else {
				final = append(final, m.Share)
			}
		}
		for id := range shares {
			if !byID[id] {
				return fmt.Errorf("member %s of group %s: %w", id, groupID, ErrNotFound)
			}
		}
		if err := ValidateShares(final); err != nil {
			return err
		}
		for _, m := range members {
			s, ok := shares[m.ID]
			if !ok || s.Equal(m.Share) {
				continue
			}
			if err := tx.Update(ctx, TableGroupMembers, m.ID, Row{"share": s}); err != nil {
				return err
			}
		}
		return nil
	})
}
