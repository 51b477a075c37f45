package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marcus/spendbook/internal/db"
)

// SchedulerConfig sets the automatic triggers.
type SchedulerConfig struct {
	// Debounce is the quiet time after the last local mutation before a push.
	Debounce time.Duration
	// Interval is the period of full cycles; 0 disables them.
	Interval time.Duration
	// OnStart runs a full cycle when Run starts.
	OnStart bool
	// PushOnly limits periodic cycles to pushing.
	PushOnly bool
}

// Scheduler turns triggers into engine cycles: local mutations (debounced
// push), a periodic full cycle, connectivity regained, visibility loss
// (push only) and manual refresh. Requests arriving during a cycle are
// folded into one follow-up run. An auth failure pauses the automatic
// triggers until Resume.
type Scheduler struct {
	engine *Engine
	store  *db.DB
	cfg    SchedulerConfig

	requests chan Mode
	paused   atomic.Bool
	running  atomic.Bool
}

// NewScheduler creates a scheduler for engine over store.
func NewScheduler(engine *Engine, store *db.DB, cfg SchedulerConfig) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		cfg:      cfg,
		requests: make(chan Mode, 1),
	}
}

// Run processes triggers until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("sync: scheduler already running")
		return
	}
	defer s.running.Store(false)

	sub := s.store.Watch()
	defer sub.Close()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	var tickC <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tickC = ticker.C
	}
	if s.cfg.OnStart {
		s.request(ModeFull)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case c, ok := <-sub.C:
			if !ok {
				return
			}
			if c.Origin != db.OriginLocal || s.paused.Load() {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(s.cfg.Debounce)
			} else {
				debounce.Reset(s.cfg.Debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			s.cycle(ctx, ModePushOnly)

		case <-tickC:
			if !s.paused.Load() {
				s.cycle(ctx, s.periodicMode())
			}

		case m := <-s.requests:
			s.cycle(ctx, m)
		}
	}
}

func (s *Scheduler) periodicMode() Mode {
	if s.cfg.PushOnly {
		return ModePushOnly
	}
	return ModeFull
}

// request queues a cycle for the Run loop. A request already queued absorbs
// this one, upgraded to a full cycle if the modes differ.
func (s *Scheduler) request(m Mode) {
	for {
		select {
		case s.requests <- m:
			return
		default:
		}
		select {
		case queued := <-s.requests:
			if queued != m {
				m = ModeFull
			}
		default:
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, m Mode) {
	if s.paused.Load() {
		return
	}
	_, err := s.engine.Sync(ctx, m)
	s.handleErr(m, err)
}

func (s *Scheduler) handleErr(m Mode, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		s.paused.Store(true)
		slog.Warn("sync: automatic sync paused until sign-in", "mode", m)
	case errors.Is(err, ErrNoUser), errors.Is(err, context.Canceled):
		slog.Debug("sync: cycle skipped", "mode", m, "err", err)
	default:
		slog.Debug("sync: will retry on next trigger", "mode", m, "err", err)
	}
}

// Online reports a transition to connectivity; a full cycle follows.
func (s *Scheduler) Online() {
	if s.paused.Load() {
		return
	}
	s.request(ModeFull)
}

// Hidden flushes pending edits before the process goes to the background
// or exits. It pushes only and waits for the result.
func (s *Scheduler) Hidden(ctx context.Context) (Outcome, error) {
	if s.paused.Load() {
		return Outcome{Mode: ModePushOnly}, nil
	}
	out, err := s.engine.Sync(ctx, ModePushOnly)
	s.handleErr(ModePushOnly, err)
	return out, err
}

// Refresh runs a full cycle now on behalf of the user and waits for it. It
// runs even while automatic triggers are paused.
func (s *Scheduler) Refresh(ctx context.Context) (Outcome, error) {
	out, err := s.engine.Sync(ctx, ModeFull)
	if err == nil && s.paused.CompareAndSwap(true, false) {
		slog.Info("sync: automatic sync resumed")
	}
	if err != nil {
		s.handleErr(ModeFull, err)
	}
	return out, err
}

// Paused reports whether automatic triggers are suspended.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Resume re-enables automatic triggers after a new sign-in and queues a
// full cycle.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.request(ModeFull)
}
