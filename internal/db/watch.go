package db

import (
	"context"
	"log/slog"
	"sync"
)

// Origin tells watchers who produced a change.
type Origin int

const (
	// OriginLocal is a user mutation through the gateway.
	OriginLocal Origin = iota
	// OriginSync is a remote change applied by the sync engine.
	OriginSync
	// OriginReset is a full wipe (sign-out).
	OriginReset
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginSync:
		return "sync"
	case OriginReset:
		return "reset"
	}
	return "unknown"
}

// Change describes committed writes to one table. IDs is empty for
// table-wide changes.
type Change struct {
	Table  string
	IDs    []string
	Origin Origin
}

const subscriptionBuffer = 128

// Subscription delivers changes for the tables it watches until closed.
type Subscription struct {
	C      <-chan Change
	ch     chan Change
	tables map[string]bool
	b      *broker
	once   sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.remove(s) })
}

func (s *Subscription) wants(table string) bool {
	return len(s.tables) == 0 || s.tables[table]
}

type broker struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[*Subscription]struct{})}
}

func (b *broker) add(tables []string) *Subscription {
	ch := make(chan Change, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, tables: make(map[string]bool, len(tables)), b: b}
	for _, t := range tables {
		s.tables[t] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *broker) publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.wants(c.Table) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			slog.Debug("watch: subscriber full, dropping change", "table", c.Table, "origin", c.Origin)
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = map[*Subscription]struct{}{}
}

// Watch subscribes to committed changes of the given tables, or of every
// table when none are named.
func (db *DB) Watch(tables ...string) *Subscription {
	return db.broker.add(tables)
}

// Notify publishes committed changes to watchers.
func (db *DB) Notify(origin Origin, changes ...Change) {
	for _, c := range changes {
		c.Origin = origin
		db.broker.publish(c)
	}
}

// Live keeps the result of a query current: it runs query once, then again
// after every change to the watched tables, sending each result on the
// returned channel. The channel closes when ctx ends or the store closes.
func Live[T any](ctx context.Context, db *DB, query func(context.Context) (T, error), tables ...string) <-chan T {
	out := make(chan T, 1)
	sub := db.Watch(tables...)
	go func() {
		defer close(out)
		defer sub.Close()

		emit := func() bool {
			v, err := query(ctx)
			if err != nil {
				slog.Warn("live query failed", "tables", tables, "err", err)
				return true
			}
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C:
				if !ok {
					return
				}
				// Coalesce a burst of changes into one re-query.
			drain:
				for {
					select {
					case _, ok := <-sub.C:
						if !ok {
							return
						}
					default:
						break drain
					}
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}
