package syncharness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus/spendbook/internal/db"
	spsync "github.com/marcus/spendbook/internal/sync"
)

// Clock is a deterministic time source shared by every client of a
// harness. Each reading is one millisecond after the previous one, so
// updated_at values never tie.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// Now advances the clock and returns the new reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Client is one simulated device: its own store and engine against the
// shared server.
type Client struct {
	Name   string
	Store  *db.DB
	Engine *spsync.Engine
	UserID string
}

// Harness wires several clients of the same user to one Server.
type Harness struct {
	t       testing.TB
	Server  *Server
	Clock   *Clock
	Clients map[string]*Client
	order   []string
}

// New builds a server and one client per name, all signed in as userID.
// Everything is closed when the test ends.
func New(t testing.TB, userID string, names ...string) *Harness {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	srv, err := NewServer(fmt.Sprintf("%s_%d", name, time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	h := &Harness{
		t:       t,
		Server:  srv,
		Clock:   NewClock(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)),
		Clients: make(map[string]*Client, len(names)),
	}
	for _, n := range names {
		h.AddClient(n, userID)
	}
	return h
}

// AddClient opens a fresh store for a new device.
func (h *Harness) AddClient(name, userID string) *Client {
	h.t.Helper()
	store, err := db.Open(h.t.TempDir())
	if err != nil {
		h.t.Fatalf("open store for %s: %v", name, err)
	}
	h.t.Cleanup(func() { store.Close() })
	store.Now = h.Clock.Now

	c := &Client{
		Name:   name,
		Store:  store,
		UserID: userID,
		Engine: spsync.NewEngine(store, h.Server, spsync.Config{
			UserID: func() string { return userID },
			Now:    h.Clock.Now,
		}),
	}
	h.Clients[name] = c
	h.order = append(h.order, name)
	return c
}

// Client returns the named client or fails the test.
func (h *Harness) Client(name string) *Client {
	h.t.Helper()
	c, ok := h.Clients[name]
	if !ok {
		h.t.Fatalf("unknown client %q", name)
	}
	return c
}

// Sync runs one cycle on the named client and fails the test on error.
func (h *Harness) Sync(name string, mode spsync.Mode) spsync.Outcome {
	h.t.Helper()
	out, err := h.Client(name).Engine.Sync(context.Background(), mode)
	if err != nil {
		h.t.Fatalf("%s: sync %s: %v", name, mode, err)
	}
	return out
}

// SyncAll runs a full cycle on every client in creation order, twice, so
// that edits pushed late in the first round reach the early clients.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for range 2 {
		for _, n := range h.order {
			h.Sync(n, spsync.ModeFull)
		}
	}
}

// Row returns a record from the named client, tombstones included, or nil.
func (h *Harness) Row(name, table, id string) db.Row {
	h.t.Helper()
	row, err := h.Client(name).Store.GetAny(context.Background(), table, id)
	if err != nil {
		return nil
	}
	return row
}

// AssertConverged fails the test if any two clients hold different shared
// data. Device-local columns are ignored.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	if len(h.order) < 2 {
		return
	}
	for _, table := range db.SyncTables {
		ref := h.order[0]
		refRows := dumpTable(h.Clients[ref].Store, table)
		for _, n := range h.order[1:] {
			rows := dumpTable(h.Clients[n].Store, table)
			if rows != refRows {
				h.t.Fatalf("DIVERGENCE in table %q between %s and %s:\n--- %s ---\n%s\n--- %s ---\n%s",
					table, ref, n, ref, refRows, n, rows)
			}
		}
	}
}

// Diff returns a readable dump of the tables that differ between two
// clients, or "(identical)".
func (h *Harness) Diff(a, b string) string {
	ca, okA := h.Clients[a]
	cb, okB := h.Clients[b]
	if !okA || !okB {
		return fmt.Sprintf("unknown client(s): %s, %s", a, b)
	}
	var sb strings.Builder
	for _, table := range db.SyncTables {
		ra, rb := dumpTable(ca.Store, table), dumpTable(cb.Store, table)
		if ra != rb {
			fmt.Fprintf(&sb, "=== %s ===\n--- %s ---\n%s\n--- %s ---\n%s\n", table, a, ra, b, rb)
		}
	}
	if sb.Len() == 0 {
		return "(identical)"
	}
	return sb.String()
}

func dumpTable(store *db.DB, table string) string {
	rows, err := store.Query(context.Background(), table, db.Filter{OrderBy: db.ColID, IncludeDeleted: true})
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	var sb strings.Builder
	for _, row := range rows {
		// A settings row created only to hold the pull cursor is local.
		if row.IsNull(db.ColSyncToken) && row.Int(db.ColPendingSync) == 0 {
			continue
		}
		shared := make(map[string]any, len(row))
		for k, v := range row {
			if !db.IsLocalColumn(k) {
				shared[k] = v
			}
		}
		// json.Marshal sorts map keys, so the dump is stable.
		line, err := json.Marshal(shared)
		if err != nil {
			fmt.Fprintf(&sb, "MARSHAL ERROR: %v\n", err)
			continue
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}
