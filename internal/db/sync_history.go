package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync history directions.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// SyncHistoryEntry is one record moved by the sync engine.
type SyncHistoryEntry struct {
	ID         int64
	Direction  string
	EntityType string
	EntityID   string
	SyncToken  int64
	Deleted    bool
	Timestamp  time.Time
}

// RecordSyncHistoryTx batch-inserts history entries within tx.
func RecordSyncHistoryTx(ctx context.Context, tx *sql.Tx, entries []SyncHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_history (direction, entity_type, entity_id, sync_token, deleted, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare history: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Direction, e.EntityType, e.EntityID, e.SyncToken,
			boolInt(e.Deleted), formatTime(e.Timestamp)); err != nil {
			return fmt.Errorf("record history: %w", err)
		}
	}
	return nil
}

// SyncHistoryTail returns the last limit entries, oldest first.
func (db *DB) SyncHistoryTail(ctx context.Context, limit int) ([]SyncHistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, direction, entity_type, entity_id, COALESCE(sync_token, 0), deleted, timestamp
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		var deleted int
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.EntityType, &e.EntityID, &e.SyncToken, &deleted, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Deleted = deleted != 0
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PruneSyncHistory keeps only the newest maxRows entries.
func PruneSyncHistory(ctx context.Context, tx *sql.Tx, maxRows int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}
