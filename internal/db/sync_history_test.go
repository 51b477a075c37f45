package db

import (
	"context"
	"testing"
	"time"
)

func recordHistory(t *testing.T, db *DB, entries []SyncHistoryEntry) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Conn().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := RecordSyncHistoryTx(ctx, tx, entries); err != nil {
		tx.Rollback()
		t.Fatalf("RecordSyncHistoryTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRecordSyncHistoryTx_Basic(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	recordHistory(t, db, []SyncHistoryEntry{
		{Direction: DirectionPush, EntityType: TableTransactions, EntityID: "tx-1", SyncToken: 10, Timestamp: now},
		{Direction: DirectionPull, EntityType: TableCategories, EntityID: "cat-1", SyncToken: 11, Deleted: true, Timestamp: now},
	})

	entries, err := db.SyncHistoryTail(context.Background(), 10)
	if err != nil {
		t.Fatalf("SyncHistoryTail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].EntityID != "tx-1" || entries[0].Direction != DirectionPush || entries[0].SyncToken != 10 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if !entries[1].Deleted || entries[1].Direction != DirectionPull {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if !entries[0].Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", entries[0].Timestamp, now)
	}
}

func TestRecordSyncHistoryTx_EmptySlice(t *testing.T) {
	db := newTestDB(t)
	recordHistory(t, db, nil)

	entries, err := db.SyncHistoryTail(context.Background(), 10)
	if err != nil {
		t.Fatalf("SyncHistoryTail: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestSyncHistoryTail_OrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	var entries []SyncHistoryEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, SyncHistoryEntry{
			Direction:  DirectionPush,
			EntityType: TableTransactions,
			EntityID:   string(rune('a' + i)),
			SyncToken:  int64(i + 1),
			Timestamp:  now,
		})
	}
	recordHistory(t, db, entries)

	tail, err := db.SyncHistoryTail(context.Background(), 3)
	if err != nil {
		t.Fatalf("SyncHistoryTail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("got %d entries, want 3", len(tail))
	}
	// Newest three, oldest first
	for i, want := range []string{"c", "d", "e"} {
		if tail[i].EntityID != want {
			t.Errorf("tail[%d] = %q, want %q", i, tail[i].EntityID, want)
		}
	}
}

func TestPruneSyncHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var entries []SyncHistoryEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, SyncHistoryEntry{
			Direction: DirectionPull, EntityType: TableTransactions,
			EntityID: string(rune('a' + i)), SyncToken: int64(i + 1), Timestamp: now,
		})
	}
	recordHistory(t, db, entries)

	tx, err := db.Conn().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := PruneSyncHistory(ctx, tx, 4); err != nil {
		tx.Rollback()
		t.Fatalf("PruneSyncHistory: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tail, err := db.SyncHistoryTail(ctx, 100)
	if err != nil {
		t.Fatalf("SyncHistoryTail: %v", err)
	}
	if len(tail) != 4 {
		t.Fatalf("got %d entries after prune, want 4", len(tail))
	}
	if tail[0].EntityID != "g" || tail[3].EntityID != "j" {
		t.Errorf("kept %q..%q, want g..j", tail[0].EntityID, tail[3].EntityID)
	}
}
