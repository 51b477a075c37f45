package importrules

import (
	"context"
	"testing"

	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
)

func rule(id, pattern string, mt models.MatchType, prio int, cat string) models.ImportRule {
	return models.ImportRule{
		SyncMeta:   models.SyncMeta{ID: id},
		Pattern:    pattern,
		MatchType:  mt,
		CategoryID: cat,
		Priority:   prio,
		Active:     true,
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		r    models.ImportRule
		desc string
		want bool
	}{
		{"contains", rule("1", "coffee", models.MatchContains, 0, "c"), "Blue Bottle COFFEE #12", true},
		{"contains miss", rule("1", "tea", models.MatchContains, 0, "c"), "Blue Bottle Coffee", false},
		{"prefix", rule("1", "uber", models.MatchPrefix, 0, "c"), "UBER *TRIP", true},
		{"prefix not inside", rule("1", "uber", models.MatchPrefix, 0, "c"), "Pay UBER", false},
		{"exact", rule("1", "Netflix.com", models.MatchExact, 0, "c"), "  netflix.com ", true},
		{"exact collapses space", rule("1", "rent  payment", models.MatchExact, 0, "c"), "Rent payment", true},
		{"exact partial", rule("1", "netflix", models.MatchExact, 0, "c"), "netflix.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.r, tt.desc); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.r.Pattern, tt.desc, got, tt.want)
			}
		})
	}
}

func TestFindPriority(t *testing.T) {
	inactive := rule("off", "market", models.MatchContains, 100, "disabled")
	inactive.Active = false
	rules := []models.ImportRule{
		rule("low", "market", models.MatchContains, 1, "shopping"),
		inactive,
		rule("high", "super", models.MatchPrefix, 5, "groceries"),
		rule("tie", "supermarket", models.MatchContains, 5, "other"),
	}

	m, ok := Find(rules, "Supermarket Lidl")
	if !ok || m.RuleID != "high" || m.CategoryID != "groceries" {
		t.Fatalf("match = %+v (%v), want rule high", m, ok)
	}
	m, ok = Find(rules, "Flea market")
	if !ok || m.RuleID != "low" {
		t.Fatalf("match = %+v (%v), want rule low", m, ok)
	}
	if _, ok := Find(rules, "Cinema"); ok {
		t.Fatal("unexpected match")
	}
}

func TestFindWithStoredRules(t *testing.T) {
	store, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, r := range []models.ImportRule{
		{SyncMeta: models.SyncMeta{UserID: "u1"}, Pattern: "amzn", MatchType: models.MatchContains, CategoryID: "shopping", Priority: 1, Active: true},
		{SyncMeta: models.SyncMeta{UserID: "u1"}, Pattern: "amzn prime", MatchType: models.MatchPrefix, CategoryID: "subscriptions", ContextID: "home", Priority: 10, Active: true},
	} {
		if err := store.CreateImportRule(ctx, &r); err != nil {
			t.Fatalf("CreateImportRule: %v", err)
		}
	}

	rules, err := store.ListImportRules(ctx, "u1")
	if err != nil {
		t.Fatalf("ListImportRules: %v", err)
	}
	m, ok := Find(rules, "AMZN Prime Video")
	if !ok || m.CategoryID != "subscriptions" || m.ContextID != "home" {
		t.Fatalf("match = %+v (%v)", m, ok)
	}
	m, _ = Find(rules, "AMZN Mktp")
	if m.CategoryID != "shopping" {
		t.Fatalf("match = %+v", m)
	}
}
