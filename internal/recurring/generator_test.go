package recurring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
)

const testUser = "user-1"

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func addTemplate(t *testing.T, store *db.DB, freq models.Frequency, start, end string) *models.RecurringTransaction {
	t.Helper()
	r := &models.RecurringTransaction{
		SyncMeta:    models.SyncMeta{UserID: testUser},
		Type:        models.TypeExpense,
		Amount:      decimal.RequireFromString("850"),
		Description: "Rent",
		Frequency:   freq,
		StartDate:   start,
		EndDate:     end,
		Active:      true,
	}
	if err := store.CreateRecurring(context.Background(), r); err != nil {
		t.Fatalf("CreateRecurring: %v", err)
	}
	return r
}

func generatedDates(t *testing.T, store *db.DB, templateID string) []string {
	t.Helper()
	txs, err := store.ListTransactions(context.Background(), db.TransactionFilter{UserID: testUser})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	var out []string
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].RecurringID == templateID {
			out = append(out, txs[i].Date)
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCatchUpClampsMonthEnd(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	tmpl := addTemplate(t, store, models.FrequencyMonthly, "2024-01-31", "")

	res, err := New(store).Run(ctx, testUser, day("2024-04-15"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 3 {
		t.Fatalf("created = %d, want 3", res.Created)
	}

	want := []string{"2024-01-31", "2024-02-29", "2024-03-31"}
	if got := generatedDates(t, store, tmpl.ID); !equal(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}

	got, err := store.GetRecurring(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("GetRecurring: %v", err)
	}
	if got.LastGenerated != "2024-03-31" {
		t.Errorf("last_generated = %q, want 2024-03-31", got.LastGenerated)
	}
	if got.PendingSync != 1 {
		t.Error("template should be dirty after generation")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	tmpl := addTemplate(t, store, models.FrequencyMonthly, "2024-01-15", "")
	gen := New(store)
	today := day("2024-06-20")

	first, err := gen.Run(ctx, testUser, today)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	afterFirst, _ := store.GetRecurring(ctx, tmpl.ID)

	second, err := gen.Run(ctx, testUser, today)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	afterSecond, _ := store.GetRecurring(ctx, tmpl.ID)

	if first.Created != 6 || second.Created != 0 {
		t.Fatalf("created = %d then %d, want 6 then 0", first.Created, second.Created)
	}
	if afterFirst.LastGenerated != afterSecond.LastGenerated {
		t.Fatalf("last_generated moved: %s -> %s", afterFirst.LastGenerated, afterSecond.LastGenerated)
	}
	if n := len(generatedDates(t, store, tmpl.ID)); n != 6 {
		t.Fatalf("transactions = %d, want 6", n)
	}
	if Summary(second) != "nothing to generate" {
		t.Errorf("summary = %q", Summary(second))
	}
}

func TestIncrementalRunKeepsAnchorDay(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	tmpl := addTemplate(t, store, models.FrequencyMonthly, "2024-01-31", "")
	gen := New(store)

	for _, today := range []string{"2024-02-29", "2024-03-30", "2024-03-31"} {
		if _, err := gen.Run(ctx, testUser, day(today)); err != nil {
			t.Fatalf("run %s: %v", today, err)
		}
	}
	want := []string{"2024-01-31", "2024-02-29", "2024-03-31"}
	if got := generatedDates(t, store, tmpl.ID); !equal(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}
}

func TestEndDateBoundary(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	tmpl := addTemplate(t, store, models.FrequencyWeekly, "2024-03-01", "2024-03-20")

	res, err := New(store).Run(ctx, testUser, day("2024-05-01"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"2024-03-01", "2024-03-08", "2024-03-15"}
	if got := generatedDates(t, store, tmpl.ID); !equal(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}
	if res.Created != 3 || len(res.Skipped) != 0 {
		t.Fatalf("result = %+v", res)
	}

	res, err = New(store).Run(ctx, testUser, day("2024-12-31"))
	if err != nil || res.Created != 0 {
		t.Fatalf("run past end: created=%d err=%v", res.Created, err)
	}
}

func TestTodayInclusive(t *testing.T) {
	store := newTestDB(t)
	tmpl := addTemplate(t, store, models.FrequencyDaily, "2024-03-01", "")

	res, err := New(store).Run(context.Background(), testUser, time.Date(2024, 3, 3, 23, 59, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 3 {
		t.Fatalf("created = %d, want 3", res.Created)
	}
	if got := generatedDates(t, store, tmpl.ID); got[len(got)-1] != "2024-03-03" {
		t.Fatalf("last date = %s, want today", got[len(got)-1])
	}
	if Summary(res) != "3 recurring transactions added" {
		t.Errorf("summary = %q", Summary(res))
	}
}

func TestYearlyLeapDay(t *testing.T) {
	store := newTestDB(t)
	tmpl := addTemplate(t, store, models.FrequencyYearly, "2020-02-29", "")

	if _, err := New(store).Run(context.Background(), testUser, day("2024-03-01")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"2020-02-29", "2021-02-28", "2022-02-28", "2023-02-28", "2024-02-29"}
	if got := generatedDates(t, store, tmpl.ID); !equal(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}
}

func TestInvalidTemplateSkipped(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	good := addTemplate(t, store, models.FrequencyMonthly, "2024-01-10", "")
	bad := addTemplate(t, store, models.FrequencyMonthly, "2024-01-10", "")

	// Arrives from another device through sync, bypassing validation.
	if _, err := store.Conn().Exec(`UPDATE recurring_transactions SET frequency = 'fortnightly' WHERE id = ?`, bad.ID); err != nil {
		t.Fatalf("corrupt template: %v", err)
	}

	res, err := New(store).Run(ctx, testUser, day("2024-03-10"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].TemplateID != bad.ID || !errors.Is(res.Skipped[0].Reason, ErrInvalidFrequency) {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	if res.Created != 3 {
		t.Fatalf("created = %d, want 3 from the valid template", res.Created)
	}
	if n := len(generatedDates(t, store, good.ID)); n != 3 {
		t.Fatalf("good template generated %d", n)
	}
}

func TestMalformedDateSkipped(t *testing.T) {
	store := newTestDB(t)
	bad := addTemplate(t, store, models.FrequencyDaily, "2024-01-10", "")
	if _, err := store.Conn().Exec(`UPDATE recurring_transactions SET start_date = '10/01/2024' WHERE id = ?`, bad.ID); err != nil {
		t.Fatalf("corrupt template: %v", err)
	}
	res, err := New(store).Run(context.Background(), testUser, day("2024-03-10"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Skipped) != 1 || !errors.Is(res.Skipped[0].Reason, ErrInvalidDate) {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
}

func TestInactiveAndDeletedTemplatesIgnored(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	paused := addTemplate(t, store, models.FrequencyDaily, "2024-01-01", "")
	gone := addTemplate(t, store, models.FrequencyDaily, "2024-01-01", "")
	if err := store.UpdateRecurring(ctx, paused.ID, db.Row{"active": false}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := store.DeleteRecurring(ctx, gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	res, err := New(store).Run(ctx, testUser, day("2024-01-05"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Created != 0 {
		t.Fatalf("created = %d, want 0", res.Created)
	}
}

func TestGeneratedTransactionsCarryTemplateFields(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	tmpl := addTemplate(t, store, models.FrequencyMonthly, "2024-02-01", "")
	if _, err := New(store).Run(ctx, testUser, day("2024-02-01")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	txs, err := store.ListTransactions(ctx, db.TransactionFilter{UserID: testUser})
	if err != nil || len(txs) != 1 {
		t.Fatalf("ListTransactions: %v (%d)", err, len(txs))
	}
	got := txs[0]
	if got.RecurringID != tmpl.ID || got.Description != "Rent" || !got.Amount.Equal(decimal.RequireFromString("850")) {
		t.Fatalf("transaction = %+v", got)
	}
	if got.YearMonth != "2024-02" || got.PendingSync != 1 {
		t.Fatalf("year_month=%q pending=%d", got.YearMonth, got.PendingSync)
	}
}

func TestPreview(t *testing.T) {
	tmpl := models.RecurringTransaction{
		Frequency:     models.FrequencyMonthly,
		StartDate:     "2024-01-31",
		LastGenerated: "2024-02-29",
		EndDate:       "2024-05-15",
	}
	got, err := Preview(tmpl, 5)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	want := []string{"2024-03-31", "2024-04-30"}
	if !equal(got, want) {
		t.Fatalf("preview = %v, want %v", got, want)
	}

	tmpl.Frequency = "hourly"
	if _, err := Preview(tmpl, 1); !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("err = %v, want ErrInvalidFrequency", err)
	}
}
