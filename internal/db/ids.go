package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrAmbiguousID is returned when an id prefix matches several records.
var ErrAmbiguousID = errors.New("ambiguous id prefix")

// NewID returns a new client-generated record id.
func NewID() string {
	return uuid.NewString()
}

// NormalizeID lower-cases and trims a user-supplied id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ResolveID expands a unique prefix of a live record id in table, so CLI
// users can type the first few characters of a UUID.
func (db *DB) ResolveID(ctx context.Context, table, prefix string) (string, error) {
	prefix = NormalizeID(prefix)
	if _, err := uuid.Parse(prefix); err == nil {
		return prefix, nil
	}
	if _, err := lookup(table); err != nil {
		return "", err
	}
	rows, err := db.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE id LIKE ? AND deleted_at IS NULL LIMIT 2", quote(table)),
		prefix+"%")
	if err != nil {
		return "", fmt.Errorf("resolve id: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("resolve id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("resolve id: %w", err)
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%s/%s: %w", table, prefix, ErrNotFound)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%s/%s: %w", table, prefix, ErrAmbiguousID)
}
