package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/marcus/spendbook/internal/db"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBatchSize    = 500
	defaultPullLimit    = 1000
	defaultHistoryLimit = 10000
)

// Config tunes an Engine.
type Config struct {
	// BatchSize caps the records sent per push request.
	BatchSize int
	// PullLimit caps the records requested per pull page.
	PullLimit int
	// HistoryLimit is the number of sync_history rows kept.
	HistoryLimit int
	// UserID returns the signed-in user, "" when nobody is.
	UserID func() string
	// OnUnauthorized is called once per cycle that fails authentication.
	OnUnauthorized func(ctx context.Context, err error)
	// Now returns the current time; tests replace it.
	Now func() time.Time
}

// Engine reconciles the local store with the remote authority. Cycles never
// overlap: concurrent requests for the same mode join the in-flight cycle,
// other requests run right after it.
type Engine struct {
	store  *db.DB
	remote Remote
	cfg    Config

	group   singleflight.Group
	cycleMu gosync.Mutex

	mu        gosync.Mutex
	state     State
	listeners []func(from, to State)
	last      Outcome
	lastErr   error
}

// NewEngine creates an engine. Zero Config fields take defaults.
func NewEngine(store *db.DB, remote Remote, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = defaultPullLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.UserID == nil {
		cfg.UserID = func() string { return "" }
	}
	return &Engine{store: store, remote: remote, cfg: cfg}
}

// State returns the current cycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastOutcome returns the result of the most recent finished cycle.
func (e *Engine) LastOutcome() (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.lastErr
}

// OnStateChange registers fn to observe state transitions. fn runs on the
// cycle's goroutine and must not block.
func (e *Engine) OnStateChange(fn func(from, to State)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	from := e.state
	e.state = s
	listeners := append([]func(from, to State){}, e.listeners...)
	e.mu.Unlock()
	if from == s {
		return
	}
	for _, fn := range listeners {
		fn(from, s)
	}
}

// Sync runs one cycle in the given mode, or joins an in-flight cycle of the
// same mode. Network and auth failures are returned; per-record failures
// are only counted in the Outcome.
func (e *Engine) Sync(ctx context.Context, mode Mode) (Outcome, error) {
	v, err, shared := e.group.Do(mode.String(), func() (any, error) {
		e.cycleMu.Lock()
		defer e.cycleMu.Unlock()
		return e.run(ctx, mode)
	})
	if shared {
		slog.Debug("sync: joined in-flight cycle", "mode", mode)
	}
	out, _ := v.(Outcome)
	return out, err
}

func (e *Engine) run(ctx context.Context, mode Mode) (out Outcome, err error) {
	out = Outcome{Mode: mode, Started: e.cfg.Now()}
	defer func() {
		out.Duration = e.cfg.Now().Sub(out.Started)
		e.mu.Lock()
		e.last, e.lastErr = out, err
		e.mu.Unlock()
	}()

	userID := e.cfg.UserID()
	if userID == "" {
		return out, ErrNoUser
	}

	confirmed := make(map[recordKey]int64)
	if mode != ModePullOnly {
		e.setState(StatePushing)
		if err := e.push(ctx, confirmed, &out); err != nil {
			return out, e.fail(ctx, mode, err)
		}
	}
	if mode != ModePushOnly {
		e.setState(StatePulling)
		if err := e.pull(ctx, userID, confirmed, &out); err != nil {
			return out, e.fail(ctx, mode, err)
		}
	}
	e.setState(StateIdle)

	slog.Info("sync: cycle done", "mode", mode,
		"pushed", out.Pushed, "conflicts", out.Conflicts, "failed", out.Failed,
		"pulled", out.Pulled, "applied", out.Applied, "skipped", out.Skipped, "cursor", out.Cursor)
	return out, nil
}

// fail moves through the error state back to idle. Progress already
// committed (acked batches, applied pages) stays.
func (e *Engine) fail(ctx context.Context, mode Mode, err error) error {
	e.setState(StateError)
	if errors.Is(err, ErrUnauthorized) {
		slog.Warn("sync: session rejected", "mode", mode, "err", err)
		if e.cfg.OnUnauthorized != nil {
			e.cfg.OnUnauthorized(ctx, err)
		}
	} else {
		slog.Warn("sync: cycle failed", "mode", mode, "err", err)
	}
	e.setState(StateIdle)
	return err
}

// push sends every dirty record in batches. Each batch is acknowledged in
// its own transaction; a failed request stops the phase and leaves the
// unsent and unacknowledged records dirty.
func (e *Engine) push(ctx context.Context, confirmed map[recordKey]int64, out *Outcome) error {
	pending, err := collectPending(ctx, e.store)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Debug("sync: nothing to push")
		return nil
	}

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(pending))
		batch := pending[start:end]

		records := make([]Record, len(batch))
		for i, p := range batch {
			records[i] = p.Record
		}
		slog.Debug("sync: push batch", "records", len(records), "offset", start)

		results, err := e.remote.PushBatch(ctx, records)
		if err != nil {
			return fmt.Errorf("push batch: %w", err)
		}
		if err := e.ackBatch(ctx, batch, results, confirmed, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ackBatch(ctx context.Context, batch []pendingRecord, results []PushResult, confirmed map[recordKey]int64, out *Outcome) error {
	byKey := make(map[recordKey]pendingRecord, len(batch))
	for _, p := range batch {
		byKey[recordKey{p.Table, p.ID}] = p
	}

	var pushed, conflicts, failed int
	acked := make(map[recordKey]int64)
	now := e.cfg.Now()

	err := e.store.WithSQLTx(ctx, db.OriginSync, func(tx *sql.Tx) ([]db.Change, error) {
		answered := make(map[recordKey]bool, len(results))
		var touched []recordKey
		var history []db.SyncHistoryEntry

		for _, res := range results {
			key := recordKey{res.Table, res.ID}
			p, ok := byKey[key]
			if !ok {
				slog.Warn("sync: result for record not in batch", "table", res.Table, "id", res.ID)
				continue
			}
			answered[key] = true

			switch res.Status {
			case StatusOK:
				found, err := markPushed(ctx, tx, p, res.SyncToken)
				if err != nil {
					return nil, err
				}
				if found {
					acked[key] = res.SyncToken
					touched = append(touched, key)
				}
				pushed++
				history = append(history, db.SyncHistoryEntry{
					Direction: db.DirectionPush, EntityType: p.Table, EntityID: p.ID,
					SyncToken: res.SyncToken, Deleted: p.DeletedAt != nil, Timestamp: now,
				})

			case StatusConflict:
				if res.Record == nil {
					slog.Warn("sync: conflict without authoritative record", "table", p.Table, "id", p.ID)
					failed++
					continue
				}
				local, err := db.GetAnyTx(ctx, tx, p.Table, p.ID)
				if err != nil && !errors.Is(err, db.ErrNotFound) {
					return nil, err
				}
				remote := *res.Record
				remote.Table, remote.ID = p.Table, p.ID
				if err := applyRemote(ctx, tx, remote); err != nil {
					slog.Warn("sync: apply conflict winner", "table", p.Table, "id", p.ID, "err", err)
					failed++
					continue
				}
				if err := db.RecordConflictTx(ctx, tx, db.SyncConflict{
					EntityType:    p.Table,
					EntityID:      p.ID,
					SyncToken:     remote.SyncToken,
					LocalData:     string(rowJSON(local)),
					RemoteData:    string(remote.Data),
					OverwrittenAt: now,
				}); err != nil {
					return nil, err
				}
				acked[key] = remote.SyncToken
				touched = append(touched, key)
				conflicts++
				slog.Debug("sync: push conflict, remote wins", "table", p.Table, "id", p.ID, "token", remote.SyncToken)

			default:
				slog.Warn("sync: record rejected", "table", p.Table, "id", p.ID, "reason", res.Reason)
				failed++
			}
		}

		for key := range byKey {
			if !answered[key] {
				failed++
			}
		}
		if err := db.RecordSyncHistoryTx(ctx, tx, history); err != nil {
			return nil, err
		}
		return changeSet(touched), nil
	})
	if err != nil {
		return fmt.Errorf("ack push batch: %w", err)
	}

	for k, tok := range acked {
		confirmed[k] = tok
	}
	out.Pushed += pushed
	out.Conflicts += conflicts
	out.Failed += failed
	return nil
}

// pull applies remote pages after the user's cursor until the remote has no
// more. Each page and its cursor advance commit together.
func (e *Engine) pull(ctx context.Context, userID string, confirmed map[recordKey]int64, out *Outcome) error {
	for {
		cursor, err := e.store.Cursor(ctx, userID)
		if err != nil {
			return err
		}
		out.Cursor = cursor

		page, err := e.remote.PullSince(ctx, cursor, e.cfg.PullLimit)
		if err != nil {
			return fmt.Errorf("pull since %d: %w", cursor, err)
		}
		if len(page.Records) == 0 {
			return nil
		}
		out.Pulled += len(page.Records)

		next, err := e.applyPage(ctx, userID, cursor, page, confirmed, out)
		if err != nil {
			return err
		}
		out.Cursor = next
		if !page.HasMore || next <= cursor {
			return nil
		}
	}
}

func (e *Engine) applyPage(ctx context.Context, userID string, cursor int64, page PullPage, confirmed map[recordKey]int64, out *Outcome) (int64, error) {
	var applied, skipped, failed, conflicts int
	next := max(cursor, page.MaxToken)
	now := e.cfg.Now()

	err := e.store.WithSQLTx(ctx, db.OriginSync, func(tx *sql.Tx) ([]db.Change, error) {
		var touched []recordKey
		var history []db.SyncHistoryEntry

		for _, rec := range page.Records {
			next = max(next, rec.SyncToken)

			if !db.IsSyncTable(rec.Table) || rec.ID == "" {
				slog.Warn("sync: pulled record for unknown table", "table", rec.Table, "id", rec.ID)
				failed++
				continue
			}
			key := recordKey{rec.Table, rec.ID}

			// What push just confirmed is at least as new as this.
			if tok, ok := confirmed[key]; ok && rec.SyncToken <= tok {
				skipped++
				continue
			}

			local, err := db.GetAnyTx(ctx, tx, rec.Table, rec.ID)
			switch {
			case errors.Is(err, db.ErrNotFound):
				local = nil
			case err != nil:
				return nil, err
			}
			if local != nil && !local.IsNull(db.ColSyncToken) && rec.SyncToken <= local.Int(db.ColSyncToken) {
				skipped++
				continue
			}

			if err := applyRemote(ctx, tx, rec); err != nil {
				slog.Warn("sync: apply pulled record", "table", rec.Table, "id", rec.ID, "token", rec.SyncToken, "err", err)
				failed++
				continue
			}
			if local != nil && local.Int(db.ColPendingSync) == 1 {
				if err := db.RecordConflictTx(ctx, tx, db.SyncConflict{
					EntityType:    rec.Table,
					EntityID:      rec.ID,
					SyncToken:     rec.SyncToken,
					LocalData:     string(rowJSON(local)),
					RemoteData:    string(rec.Data),
					OverwrittenAt: now,
				}); err != nil {
					return nil, err
				}
				conflicts++
			}

			applied++
			touched = append(touched, key)
			history = append(history, db.SyncHistoryEntry{
				Direction: db.DirectionPull, EntityType: rec.Table, EntityID: rec.ID,
				SyncToken: rec.SyncToken, Deleted: rec.DeletedAt != nil, Timestamp: now,
			})
		}

		if err := db.SetCursorTx(ctx, tx, userID, next, now); err != nil {
			return nil, err
		}
		if err := db.RecordSyncHistoryTx(ctx, tx, history); err != nil {
			return nil, err
		}
		if err := db.PruneSyncHistory(ctx, tx, e.cfg.HistoryLimit); err != nil {
			return nil, err
		}
		return changeSet(touched), nil
	})
	if err != nil {
		return cursor, fmt.Errorf("apply pull page: %w", err)
	}

	out.Applied += applied
	out.Skipped += skipped
	out.Failed += failed
	out.Conflicts += conflicts
	slog.Debug("sync: pull page", "records", len(page.Records), "applied", applied, "skipped", skipped, "cursor", next)
	return next, nil
}
