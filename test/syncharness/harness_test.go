package syncharness

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
	spsync "github.com/marcus/spendbook/internal/sync"
	"github.com/marcus/spendbook/internal/syncclient"
)

const user = "user-1"

func newTx(desc, amount, date string) *models.Transaction {
	return &models.Transaction{
		SyncMeta:    models.SyncMeta{UserID: user},
		Type:        models.TypeExpense,
		Amount:      decimal.RequireFromString(amount),
		Date:        date,
		Description: desc,
	}
}

func TestSingleClientCreate(t *testing.T) {
	h := New(t, user, "client-A", "client-B")
	ctx := context.Background()

	tx := newTx("Coffee", "3.50", "2024-03-02")
	if err := h.Client("client-A").Store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}

	out := h.Sync("client-A", spsync.ModePushOnly)
	if out.Pushed != 1 {
		t.Fatalf("pushed = %d, want 1", out.Pushed)
	}
	out = h.Sync("client-B", spsync.ModePullOnly)
	if out.Applied != 1 {
		t.Fatalf("applied = %d, want 1", out.Applied)
	}

	h.AssertConverged()

	for _, name := range []string{"client-A", "client-B"} {
		row := h.Row(name, db.TableTransactions, tx.ID)
		if row == nil {
			t.Fatalf("%s: %s not found", name, tx.ID)
		}
		if row.String("description") != "Coffee" {
			t.Fatalf("%s: description = %q", name, row.String("description"))
		}
		if row.Int(db.ColPendingSync) != 0 {
			t.Fatalf("%s: row still pending after sync", name)
		}
		if row.String("year_month") != "2024-03" {
			t.Fatalf("%s: year_month = %q", name, row.String("year_month"))
		}
	}
}

func TestTwoClientsNoConflict(t *testing.T) {
	h := New(t, user, "client-A", "client-B")
	ctx := context.Background()

	x := newTx("Rent", "800", "2024-03-01")
	y := newTx("Groceries", "54.20", "2024-03-03")
	if err := h.Client("client-A").Store.CreateTransaction(ctx, x); err != nil {
		t.Fatalf("create x: %v", err)
	}
	if err := h.Client("client-B").Store.CreateTransaction(ctx, y); err != nil {
		t.Fatalf("create y: %v", err)
	}

	h.SyncAll()
	h.AssertConverged()

	for _, name := range []string{"client-A", "client-B"} {
		if h.Row(name, db.TableTransactions, x.ID) == nil || h.Row(name, db.TableTransactions, y.ID) == nil {
			t.Fatalf("%s: missing a transaction\n%s", name, h.Diff("client-A", "client-B"))
		}
	}
}

func TestSoftDeletePropagates(t *testing.T) {
	h := New(t, user, "client-A", "client-B")
	ctx := context.Background()

	tx := newTx("Taxi", "18", "2024-03-05")
	a := h.Client("client-A").Store
	if err := a.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.SyncAll()

	if err := a.DeleteTransaction(ctx, tx.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.SyncAll()
	h.AssertConverged()

	row := h.Row("client-B", db.TableTransactions, tx.ID)
	if row == nil || row.IsNull(db.ColDeletedAt) {
		t.Fatalf("client-B: expected tombstone, got %v", row)
	}
	if _, err := h.Client("client-B").Store.GetTransaction(ctx, tx.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("client-B: deleted transaction still visible: %v", err)
	}
}

func TestConcurrentEditRemoteWins(t *testing.T) {
	h := New(t, user, "client-A", "client-B")
	ctx := context.Background()

	tx := newTx("Dinner", "40", "2024-03-08")
	a, b := h.Client("client-A").Store, h.Client("client-B").Store
	if err := a.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.SyncAll()

	if err := a.UpdateTransaction(ctx, tx.ID, db.Row{"amount": decimal.RequireFromString("45")}); err != nil {
		t.Fatalf("update A: %v", err)
	}
	if err := b.UpdateTransaction(ctx, tx.ID, db.Row{"description": "Dinner with Sam"}); err != nil {
		t.Fatalf("update B: %v", err)
	}

	h.Sync("client-A", spsync.ModeFull)
	out := h.Sync("client-B", spsync.ModeFull)
	if out.Conflicts != 1 {
		t.Fatalf("B conflicts = %d, want 1", out.Conflicts)
	}
	h.SyncAll()
	h.AssertConverged()

	row := h.Row("client-B", db.TableTransactions, tx.ID)
	if row.String("description") != "Dinner" || row.String("amount") != "45" {
		t.Fatalf("client-B: remote version should win, got description=%q amount=%q",
			row.String("description"), row.String("amount"))
	}
	conflicts, err := b.RecentConflicts(ctx, 10, nil)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].EntityID != tx.ID {
		t.Fatalf("conflict log = %+v, want one entry for %s", conflicts, tx.ID)
	}
}

func TestSettingsCursorSurvivesPull(t *testing.T) {
	h := New(t, user, "client-A", "client-B")
	ctx := context.Background()
	a, b := h.Client("client-A").Store, h.Client("client-B").Store

	if err := a.SaveSettings(ctx, &models.Setting{SyncMeta: models.SyncMeta{UserID: user}, Currency: "USD", Theme: "dark"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	h.SyncAll()

	first, err := b.Cursor(ctx, user)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if first == 0 {
		t.Fatal("client-B cursor did not advance")
	}

	if err := a.SaveSettings(ctx, &models.Setting{SyncMeta: models.SyncMeta{UserID: user}, Currency: "GBP", Theme: "dark"}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	h.Sync("client-A", spsync.ModePushOnly)
	h.Sync("client-B", spsync.ModePullOnly)

	second, err := b.Cursor(ctx, user)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if second <= first {
		t.Fatalf("cursor went from %d to %d, want growth", first, second)
	}
	s, err := b.GetSettings(ctx, user)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.Currency != "GBP" {
		t.Fatalf("currency = %q, want GBP", s.Currency)
	}
}

func TestPagedPull(t *testing.T) {
	h := New(t, user, "client-A", "client-B")
	ctx := context.Background()
	a := h.Client("client-A").Store
	for i := range 5 {
		if err := a.CreateTransaction(ctx, newTx("item", "1", "2024-03-1"+string(rune('0'+i)))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	h.Sync("client-A", spsync.ModePushOnly)

	b := h.Client("client-B")
	engine := spsync.NewEngine(b.Store, h.Server, spsync.Config{
		PullLimit: 2,
		UserID:    func() string { return user },
		Now:       h.Clock.Now,
	})
	before := h.Server.PullCalls.Load()
	out, err := engine.Sync(ctx, spsync.ModePullOnly)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if out.Applied != 5 {
		t.Fatalf("applied = %d, want 5", out.Applied)
	}
	if calls := h.Server.PullCalls.Load() - before; calls != 3 {
		t.Fatalf("pull requests = %d, want 3", calls)
	}
	h.AssertConverged()
}

func TestThreeClientsConverge(t *testing.T) {
	h := New(t, user, "client-A", "client-B", "client-C")
	ctx := context.Background()
	a, b, c := h.Client("client-A").Store, h.Client("client-B").Store, h.Client("client-C").Store

	cat := &models.Category{SyncMeta: models.SyncMeta{UserID: user}, Name: "Food", Type: models.TypeExpense, Active: true}
	if err := a.CreateCategory(ctx, cat); err != nil {
		t.Fatalf("create category: %v", err)
	}
	t1 := newTx("Lunch", "12", "2024-04-02")
	t1.CategoryID = cat.ID
	if err := b.CreateTransaction(ctx, t1); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	t2 := newTx("Snack", "2", "2024-04-02")
	if err := c.CreateTransaction(ctx, t2); err != nil {
		t.Fatalf("create t2: %v", err)
	}
	h.SyncAll()

	if err := c.DeleteTransaction(ctx, t1.ID); err != nil {
		t.Fatalf("delete t1: %v", err)
	}
	if err := a.UpdateTransaction(ctx, t2.ID, db.Row{"category_id": cat.ID}); err != nil {
		t.Fatalf("update t2: %v", err)
	}
	h.SyncAll()
	h.AssertConverged()

	n, err := h.Server.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("server records = %d, want 3", n)
	}
}

func TestHTTPTransport(t *testing.T) {
	h := New(t, user, "client-A")
	ctx := context.Background()

	ts := httptest.NewServer(h.Server.Handler())
	defer ts.Close()
	h.Server.AddSession("tok-1", Identity{UserID: user, Email: "a@example.com"})

	var unauthorized atomic.Int32
	a := h.Client("client-A")
	engine := spsync.NewEngine(a.Store, spsync.NewHTTPRemote(syncclient.New(ts.URL, "tok-1", "device-A")), spsync.Config{
		UserID:         func() string { return user },
		OnUnauthorized: func(context.Context, error) { unauthorized.Add(1) },
		Now:            h.Clock.Now,
	})

	if err := a.Store.CreateTransaction(ctx, newTx("Book", "15", "2024-05-01")); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := engine.Sync(ctx, spsync.ModeFull)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if out.Pushed != 1 {
		t.Fatalf("pushed = %d, want 1", out.Pushed)
	}
	if n, _ := h.Server.Count(ctx); n != 1 {
		t.Fatalf("server records = %d, want 1", n)
	}

	h.Server.RevokeSession("tok-1")
	_, err = engine.Sync(ctx, spsync.ModeFull)
	if !errors.Is(err, spsync.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if unauthorized.Load() != 1 {
		t.Fatalf("OnUnauthorized calls = %d, want 1", unauthorized.Load())
	}
}
