package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/spendbook/internal/db"
)

// scriptedRemote answers with caller-supplied functions and records what
// it was asked.
type scriptedRemote struct {
	mu     gosync.Mutex
	pushFn func(records []Record) ([]PushResult, error)
	pullFn func(cursor int64, limit int) (PullPage, error)
	pushed [][]Record
	cursors []int64

	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *scriptedRemote) enter() func() {
	n := r.active.Add(1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { r.active.Add(-1) }
}

func (r *scriptedRemote) PushBatch(_ context.Context, records []Record) ([]PushResult, error) {
	defer r.enter()()
	r.mu.Lock()
	r.pushed = append(r.pushed, records)
	fn := r.pushFn
	r.mu.Unlock()
	if fn == nil {
		return acceptAll(records, 100), nil
	}
	return fn(records)
}

func (r *scriptedRemote) PullSince(_ context.Context, cursor int64, limit int) (PullPage, error) {
	defer r.enter()()
	r.mu.Lock()
	r.cursors = append(r.cursors, cursor)
	fn := r.pullFn
	r.mu.Unlock()
	if fn == nil {
		return PullPage{MaxToken: cursor}, nil
	}
	return fn(cursor, limit)
}

func (r *scriptedRemote) pushCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed)
}

func (r *scriptedRemote) pullCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}

func acceptAll(records []Record, firstToken int64) []PushResult {
	out := make([]PushResult, len(records))
	for i, rec := range records {
		out[i] = PushResult{Table: rec.Table, ID: rec.ID, Status: StatusOK, SyncToken: firstToken + int64(i)}
	}
	return out
}

func newEngine(store *db.DB, remote Remote, cfg Config) *Engine {
	if cfg.UserID == nil {
		cfg.UserID = func() string { return testUser }
	}
	return NewEngine(store, remote, cfg)
}

func pendingOf(t *testing.T, store *db.DB, table, id string) int64 {
	t.Helper()
	row, err := store.GetAny(context.Background(), table, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", table, id, err)
	}
	return row.Int(db.ColPendingSync)
}

func TestPush_MarksClean(t *testing.T) {
	store := newStore(t)
	local := createTx(t, store, "coffee")
	remote := &scriptedRemote{}

	out, err := newEngine(store, remote, Config{}).Sync(context.Background(), ModePushOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Pushed != 1 || out.Failed != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	row, _ := store.GetAny(context.Background(), db.TableTransactions, local.ID)
	if row.Int(db.ColPendingSync) != 0 || row.Int(db.ColSyncToken) != 100 {
		t.Fatalf("row pending/token = %d/%d, want 0/100", row.Int(db.ColPendingSync), row.Int(db.ColSyncToken))
	}
	if remote.pullCalls() != 0 {
		t.Fatal("push-only cycle must not pull")
	}

	hist, err := store.SyncHistoryTail(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Direction != db.DirectionPush || hist[0].EntityID != local.ID {
		t.Fatalf("history = %+v", hist)
	}
}

func TestPush_Batches(t *testing.T) {
	store := newStore(t)
	for i := range 5 {
		createTx(t, store, fmt.Sprintf("item %d", i))
	}
	remote := &scriptedRemote{}

	out, err := newEngine(store, remote, Config{BatchSize: 2}).Sync(context.Background(), ModePushOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if remote.pushCalls() != 3 {
		t.Fatalf("push calls = %d, want 3", remote.pushCalls())
	}
	if out.Pushed != 5 {
		t.Fatalf("pushed = %d, want 5", out.Pushed)
	}
}

func TestPush_PartialFailureKeepsRestDirty(t *testing.T) {
	store := newStore(t)
	a := createTx(t, store, "a")
	b := createTx(t, store, "b")
	c := createTx(t, store, "c")

	remote := &scriptedRemote{pushFn: func(records []Record) ([]PushResult, error) {
		var out []PushResult
		for _, rec := range records {
			switch rec.ID {
			case a.ID:
				out = append(out, PushResult{Table: rec.Table, ID: rec.ID, Status: StatusOK, SyncToken: 1})
			case b.ID:
				out = append(out, PushResult{Table: rec.Table, ID: rec.ID, Status: StatusRejected, Reason: "invalid"})
			}
			// c gets no answer at all.
		}
		return out, nil
	}}

	out, err := newEngine(store, remote, Config{}).Sync(context.Background(), ModePushOnly)
	if err != nil {
		t.Fatalf("per-record failures must not fail the cycle: %v", err)
	}
	if out.Pushed != 1 || out.Failed != 2 {
		t.Fatalf("outcome = %+v, want 1 pushed and 2 failed", out)
	}
	if pendingOf(t, store, db.TableTransactions, a.ID) != 0 {
		t.Error("accepted record still dirty")
	}
	for _, id := range []string{b.ID, c.ID} {
		if pendingOf(t, store, db.TableTransactions, id) != 1 {
			t.Errorf("%s should stay dirty", id)
		}
	}
}

func TestPush_RequestErrorLeavesDirty(t *testing.T) {
	store := newStore(t)
	local := createTx(t, store, "a")
	remote := &scriptedRemote{pushFn: func([]Record) ([]PushResult, error) {
		return nil, errors.New("connection refused")
	}}
	engine := newEngine(store, remote, Config{})

	var transitions []string
	engine.OnStateChange(func(from, to State) {
		transitions = append(transitions, to.String())
	})

	if _, err := engine.Sync(context.Background(), ModeFull); err == nil {
		t.Fatal("expected error")
	}
	if pendingOf(t, store, db.TableTransactions, local.ID) != 1 {
		t.Error("record should stay dirty after failed push")
	}
	if engine.State() != StateIdle {
		t.Errorf("state = %s, want idle", engine.State())
	}
	want := []string{"pushing", "error", "idle"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
	if remote.pullCalls() != 0 {
		t.Error("pull must not run after a failed push")
	}
	if _, lastErr := engine.LastOutcome(); lastErr == nil {
		t.Error("LastOutcome should report the error")
	}
}

func TestPush_ConflictAppliesRemote(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	local := createTx(t, store, "mine")

	remote := &scriptedRemote{pushFn: func(records []Record) ([]PushResult, error) {
		rec := records[0]
		winner := Record{Table: rec.Table, ID: rec.ID, SyncToken: 9, Data: txData(t, map[string]any{"description": "theirs"})}
		return []PushResult{{Table: rec.Table, ID: rec.ID, Status: StatusConflict, SyncToken: 9, Record: &winner}}, nil
	}}

	out, err := newEngine(store, remote, Config{}).Sync(ctx, ModePushOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", out.Conflicts)
	}
	got, err := store.GetTransaction(ctx, local.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "theirs" || got.PendingSync != 0 {
		t.Fatalf("got %+v", got)
	}
	conflicts, err := store.RecentConflicts(ctx, 10, nil)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].SyncToken != 9 {
		t.Fatalf("conflict log = %+v", conflicts)
	}
	var before map[string]any
	if err := json.Unmarshal([]byte(conflicts[0].LocalData), &before); err != nil {
		t.Fatalf("local data: %v", err)
	}
	if before["description"] != "mine" {
		t.Errorf("logged local description = %v, want mine", before["description"])
	}
}

func TestPull_AppliesAndAdvancesCursor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		return PullPage{MaxToken: 10, Records: []Record{
			{Table: db.TableTransactions, ID: "r1", SyncToken: 4, Data: txData(t, nil)},
			{Table: db.TableTransactions, ID: "r2", SyncToken: 10, Data: txData(t, nil)},
		}}, nil
	}}

	out, err := newEngine(store, remote, Config{}).Sync(ctx, ModePullOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Applied != 2 || out.Cursor != 10 {
		t.Fatalf("outcome = %+v", out)
	}
	cursor, _ := store.Cursor(ctx, testUser)
	if cursor != 10 {
		t.Fatalf("cursor = %d, want 10", cursor)
	}
	if pendingOf(t, store, db.TableTransactions, "r1") != 0 {
		t.Error("pulled rows must be clean")
	}
}

func TestPull_SkipsOlderToken(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := applyInTx(t, store, Record{Table: db.TableTransactions, ID: "r1", SyncToken: 5, Data: txData(t, map[string]any{"description": "new"})}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		return PullPage{MaxToken: 3, Records: []Record{
			{Table: db.TableTransactions, ID: "r1", SyncToken: 3, Data: txData(t, map[string]any{"description": "old"})},
		}}, nil
	}}

	out, err := newEngine(store, remote, Config{}).Sync(ctx, ModePullOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Skipped != 1 || out.Applied != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	row, _ := store.Get(ctx, db.TableTransactions, "r1")
	if row.String("description") != "new" {
		t.Errorf("description = %q, want new", row.String("description"))
	}
}

func TestSync_PullDoesNotUndoPush(t *testing.T) {
	tests := []struct {
		token     int64
		wantDesc  string
		wantApply int
	}{
		{9, "mine", 0},
		{10, "mine", 0},
		{11, "server", 1},
	}
	for _, tt := range tests {
		store := newStore(t)
		ctx := context.Background()
		local := createTx(t, store, "mine")

		remote := &scriptedRemote{
			pushFn: func(records []Record) ([]PushResult, error) {
				return acceptAll(records, 10), nil
			},
			pullFn: func(cursor int64, limit int) (PullPage, error) {
				return PullPage{MaxToken: tt.token, Records: []Record{
					{Table: db.TableTransactions, ID: local.ID, SyncToken: tt.token, Data: txData(t, map[string]any{"description": "server"})},
				}}, nil
			},
		}

		out, err := newEngine(store, remote, Config{}).Sync(ctx, ModeFull)
		if err != nil {
			t.Fatalf("token %d: sync: %v", tt.token, err)
		}
		if out.Pushed != 1 || out.Applied != tt.wantApply {
			t.Errorf("token %d: outcome = %+v", tt.token, out)
		}
		got, err := store.GetTransaction(ctx, local.ID)
		if err != nil {
			t.Fatalf("token %d: get: %v", tt.token, err)
		}
		if got.Description != tt.wantDesc {
			t.Errorf("token %d: description = %q, want %q", tt.token, got.Description, tt.wantDesc)
		}
		if got.PendingSync != 0 {
			t.Errorf("token %d: pending_sync = %d, want 0", tt.token, got.PendingSync)
		}
	}
}

func TestPull_OverwritesPendingAndLogsConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	local := createTx(t, store, "offline edit")

	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		return PullPage{MaxToken: 4, Records: []Record{
			{Table: db.TableTransactions, ID: local.ID, SyncToken: 4, Data: txData(t, map[string]any{"description": "server"})},
		}}, nil
	}}

	out, err := newEngine(store, remote, Config{}).Sync(ctx, ModePullOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Applied != 1 || out.Conflicts != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if pendingOf(t, store, db.TableTransactions, local.ID) != 0 {
		t.Error("overwritten row should be clean")
	}
	conflicts, _ := store.RecentConflicts(ctx, 10, nil)
	if len(conflicts) != 1 || conflicts[0].EntityID != local.ID {
		t.Fatalf("conflict log = %+v", conflicts)
	}
}

func TestPull_BadRecordStillAdvancesCursor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		return PullPage{MaxToken: 7, Records: []Record{
			{Table: "no_such_table", ID: "x", SyncToken: 6, Data: json.RawMessage(`{}`)},
			{Table: db.TableTransactions, ID: "r1", SyncToken: 7, Data: txData(t, nil)},
		}}, nil
	}}

	out, err := newEngine(store, remote, Config{}).Sync(ctx, ModePullOnly)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Failed != 1 || out.Applied != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if cursor, _ := store.Cursor(ctx, testUser); cursor != 7 {
		t.Fatalf("cursor = %d, want 7", cursor)
	}
}

func TestPull_ErrorKeepsCommittedPages(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		if cursor == 0 {
			return PullPage{MaxToken: 2, HasMore: true, Records: []Record{
				{Table: db.TableTransactions, ID: "r1", SyncToken: 2, Data: txData(t, nil)},
			}}, nil
		}
		return PullPage{}, errors.New("timeout")
	}}

	if _, err := newEngine(store, remote, Config{}).Sync(ctx, ModePullOnly); err == nil {
		t.Fatal("expected error from second page")
	}
	if cursor, _ := store.Cursor(ctx, testUser); cursor != 2 {
		t.Fatalf("cursor = %d, want 2", cursor)
	}
	if _, err := store.Get(ctx, db.TableTransactions, "r1"); err != nil {
		t.Fatalf("first page should be committed: %v", err)
	}
}

func TestPull_ResumesFromStoredCursor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		if cursor < 3 {
			return PullPage{MaxToken: 3, Records: []Record{
				{Table: db.TableTransactions, ID: "r1", SyncToken: 3, Data: txData(t, nil)},
			}}, nil
		}
		return PullPage{MaxToken: cursor}, nil
	}}
	engine := newEngine(store, remote, Config{})
	for range 2 {
		if _, err := engine.Sync(ctx, ModePullOnly); err != nil {
			t.Fatalf("sync: %v", err)
		}
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if fmt.Sprint(remote.cursors) != "[0 3]" {
		t.Fatalf("pull cursors = %v, want [0 3]", remote.cursors)
	}
}

func TestSync_NoUser(t *testing.T) {
	store := newStore(t)
	engine := NewEngine(store, &scriptedRemote{}, Config{})
	if _, err := engine.Sync(context.Background(), ModeFull); !errors.Is(err, ErrNoUser) {
		t.Fatalf("err = %v, want ErrNoUser", err)
	}
}

func TestSync_UnauthorizedCallsHook(t *testing.T) {
	store := newStore(t)
	remote := &scriptedRemote{pullFn: func(int64, int) (PullPage, error) {
		return PullPage{}, fmt.Errorf("pull: %w", ErrUnauthorized)
	}}
	var calls atomic.Int32
	engine := newEngine(store, remote, Config{
		OnUnauthorized: func(context.Context, error) { calls.Add(1) },
	})

	_, err := engine.Sync(context.Background(), ModeFull)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("hook calls = %d, want 1", calls.Load())
	}
}

func TestSync_StateTransitions(t *testing.T) {
	store := newStore(t)
	engine := newEngine(store, &scriptedRemote{}, Config{})
	var transitions []string
	engine.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})
	if _, err := engine.Sync(context.Background(), ModeFull); err != nil {
		t.Fatalf("sync: %v", err)
	}
	want := "[idle>pushing pushing>pulling pulling>idle]"
	if fmt.Sprint(transitions) != want {
		t.Fatalf("transitions = %v, want %s", transitions, want)
	}
}

func TestSync_ConcurrentRequestsJoin(t *testing.T) {
	store := newStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once gosync.Once
	remote := &scriptedRemote{pullFn: func(cursor int64, limit int) (PullPage, error) {
		once.Do(func() { close(entered) })
		<-release
		return PullPage{MaxToken: cursor}, nil
	}}
	engine := newEngine(store, remote, Config{})

	var wg gosync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.Sync(context.Background(), ModeFull)
		errs <- err
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := engine.Sync(context.Background(), ModeFull)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
	}
	if remote.pullCalls() != 1 {
		t.Fatalf("pull calls = %d, want 1 (second request should join)", remote.pullCalls())
	}
}

func TestSync_CyclesNeverOverlap(t *testing.T) {
	store := newStore(t)
	createTx(t, store, "pending")
	remote := &scriptedRemote{
		pushFn: func(records []Record) ([]PushResult, error) {
			time.Sleep(20 * time.Millisecond)
			return acceptAll(records, 1), nil
		},
		pullFn: func(cursor int64, limit int) (PullPage, error) {
			time.Sleep(20 * time.Millisecond)
			return PullPage{MaxToken: cursor}, nil
		},
	}
	engine := newEngine(store, remote, Config{})

	var wg gosync.WaitGroup
	for _, m := range []Mode{ModeFull, ModePushOnly, ModePullOnly} {
		wg.Add(1)
		go func(m Mode) {
			defer wg.Done()
			if _, err := engine.Sync(context.Background(), m); err != nil {
				t.Errorf("sync %s: %v", m, err)
			}
		}(m)
	}
	wg.Wait()
	if got := remote.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent remote calls = %d, want 1", got)
	}
}
