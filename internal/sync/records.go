package sync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marcus/spendbook/internal/db"
)

// pendingRecord is a dirty row collected for push. updatedAt is the stored
// value at collection time; the ack only clears the dirty flag when it is
// unchanged, so an edit racing the push stays dirty.
type pendingRecord struct {
	Record
	updatedAt string
}

// collectPending reads every dirty row, tombstones included, table by table
// in dependency order.
func collectPending(ctx context.Context, store *db.DB) ([]pendingRecord, error) {
	var out []pendingRecord
	for _, table := range db.SyncTables {
		rows, err := store.Query(ctx, table, db.Filter{
			Where:          map[string]any{db.ColPendingSync: 1},
			IncludeDeleted: true,
			OrderBy:        db.ColUpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", table, err)
		}
		for _, row := range rows {
			rec, err := rowToRecord(table, row)
			if err != nil {
				return nil, err
			}
			out = append(out, pendingRecord{Record: rec, updatedAt: row.String(db.ColUpdatedAt)})
		}
	}
	return out, nil
}

// rowToRecord builds the wire form of a local row, leaving out
// device-local columns.
func rowToRecord(table string, row db.Row) (Record, error) {
	data := make(map[string]any, len(row))
	for k, v := range row {
		if db.IsLocalColumn(k) {
			continue
		}
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s/%s: %w", table, row.String(db.ColID), err)
	}
	rec := Record{
		Table:     table,
		ID:        row.String(db.ColID),
		BaseToken: row.Int(db.ColSyncToken),
		Data:      raw,
	}
	if s := row.String(db.ColDeletedAt); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Record{}, fmt.Errorf("parse deleted_at %s/%s: %w", table, rec.ID, err)
		}
		rec.DeletedAt = &t
	}
	return rec, nil
}

func rowJSON(row db.Row) json.RawMessage {
	if row == nil {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil
	}
	return data
}

// applyRemote writes an authoritative record inside tx. Every shared column
// it carries replaces the local value, the token is stored and the row is
// marked clean. Device-local columns (the settings cursor) are left alone.
// A tombstone unknown locally is inserted as a tombstone.
func applyRemote(ctx context.Context, tx *sql.Tx, rec Record) error {
	fields := db.Row{}
	if len(rec.Data) > 0 && !bytes.Equal(rec.Data, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(rec.Data))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return fmt.Errorf("apply %s/%s: unmarshal data: %w", rec.Table, rec.ID, err)
		}
	}
	for k := range fields {
		if db.IsLocalColumn(k) {
			delete(fields, k)
		}
	}
	fields, err := db.NormalizeRow(rec.Table, fields)
	if err != nil {
		return fmt.Errorf("apply %s/%s: %w", rec.Table, rec.ID, err)
	}

	fields[db.ColID] = rec.ID
	fields[db.ColSyncToken] = rec.SyncToken
	fields[db.ColPendingSync] = int64(0)
	if rec.DeletedAt != nil {
		fields[db.ColDeletedAt] = *rec.DeletedAt
	} else if _, ok := fields[db.ColDeletedAt]; !ok {
		fields[db.ColDeletedAt] = nil
	}
	if rec.Table == db.TableTransactions {
		if d := fields.String("date"); len(d) >= 7 {
			fields["year_month"] = d[:7]
		}
	}

	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	ph := make([]string, len(cols))
	vals := make([]any, len(cols))
	var sets []string
	for i, c := range cols {
		ph[i] = "?"
		vals[i], err = db.DBValue(rec.Table, c, fields[c])
		if err != nil {
			return fmt.Errorf("apply %s/%s: %s: %w", rec.Table, rec.ID, c, err)
		}
		if c != db.ColID {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		rec.Table, strings.Join(cols, ", "), strings.Join(ph, ", "), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("apply %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

// markPushed stores the confirmed token. The dirty flag is cleared only if
// the row was not edited since it was collected; a racing edit stays dirty
// and is pushed next cycle against the new token.
func markPushed(ctx context.Context, tx *sql.Tx, p pendingRecord, token int64) (bool, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE "%s" SET sync_token = ?,
			pending_sync = CASE WHEN updated_at = ? THEN 0 ELSE 1 END
		WHERE id = ?
	`, p.Table), token, p.updatedAt, p.ID)
	if err != nil {
		return false, fmt.Errorf("mark pushed %s/%s: %w", p.Table, p.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func changeSet(keys []recordKey) []db.Change {
	var changes []db.Change
	idx := map[string]int{}
	for _, k := range keys {
		i, ok := idx[k.table]
		if !ok {
			i = len(changes)
			idx[k.table] = i
			changes = append(changes, db.Change{Table: k.table})
		}
		changes[i].IDs = append(changes[i].IDs, k.id)
	}
	return changes
}
