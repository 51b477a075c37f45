package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncConflict is a local row the remote authority overwrote.
type SyncConflict struct {
	ID            int64
	EntityType    string
	EntityID      string
	SyncToken     int64
	LocalData     string
	RemoteData    string
	OverwrittenAt time.Time
}

// RecordConflictTx logs an overwritten local row inside the applying transaction.
func RecordConflictTx(ctx context.Context, tx *sql.Tx, c SyncConflict) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (entity_type, entity_id, sync_token, local_data, remote_data, overwritten_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.EntityType, c.EntityID, c.SyncToken, c.LocalData, c.RemoteData, formatTime(c.OverwrittenAt))
	if err != nil {
		return fmt.Errorf("record conflict %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	return nil
}

// RecentConflicts returns logged conflicts, newest first. A nil since
// returns all of them up to limit.
func (db *DB) RecentConflicts(ctx context.Context, limit int, since *time.Time) ([]SyncConflict, error) {
	query := `SELECT id, entity_type, entity_id, sync_token, COALESCE(local_data,'null'), COALESCE(remote_data,'null'), overwritten_at
		FROM sync_conflicts`
	var args []any
	if since != nil {
		query += " WHERE overwritten_at >= ?"
		args = append(args, formatTime(*since))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []SyncConflict
	for rows.Next() {
		var c SyncConflict
		var ts string
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.SyncToken, &c.LocalData, &c.RemoteData, &ts); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.OverwrittenAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PendingCounts returns the number of dirty rows per table, omitting
// tables with none.
func (db *DB) PendingCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, t := range SyncTables {
		var n int64
		err := db.conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE pending_sync = 1", quote(t))).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("count pending %s: %w", t, err)
		}
		if n > 0 {
			counts[t] = n
		}
	}
	return counts, nil
}

// Cursor returns the user's pull cursor, 0 before the first pull.
func (db *DB) Cursor(ctx context.Context, userID string) (int64, error) {
	return CursorTx(ctx, db.conn, userID)
}

// CursorTx reads the pull cursor through q (a *sql.DB or *sql.Tx).
func CursorTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, userID string) (int64, error) {
	var token int64
	err := q.QueryRowContext(ctx,
		`SELECT last_sync_token FROM user_settings WHERE id = ?`, userID).Scan(&token)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return token, nil
}

// SetCursorTx advances the user's pull cursor inside tx. The cursor never
// moves backwards. A settings row is created clean when none exists yet;
// the cursor write itself never marks the row dirty.
func SetCursorTx(ctx context.Context, tx *sql.Tx, userID string, token int64, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE user_settings SET last_sync_token = MAX(last_sync_token, ?) WHERE id = ?`,
		token, userID)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	ts := formatTime(now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_settings (id, user_id, last_sync_token, created_at, updated_at, pending_sync)
		VALUES (?, ?, ?, ?, ?, 0)
	`, userID, userID, token, ts, ts)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// PurgeTombstones hard-deletes soft-deleted rows the remote authority has
// confirmed (clean, with a token) and whose deletion is older than before.
// Returns the number of rows removed.
func (db *DB) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := db.WithSQLTx(ctx, OriginSync, func(tx *sql.Tx) ([]Change, error) {
		for _, t := range SyncTables {
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				DELETE FROM %s
				WHERE deleted_at IS NOT NULL AND deleted_at < ?
				  AND pending_sync = 0 AND sync_token IS NOT NULL
			`, quote(t)), formatTime(before))
			if err != nil {
				return nil, fmt.Errorf("purge %s: %w", t, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil, nil
	})
	return total, err
}
