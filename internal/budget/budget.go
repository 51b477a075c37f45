// Package budget computes read-side figures over the local store: budget
// consumption, monthly totals, period comparisons and group splits.
package budget

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marcus/spendbook/internal/dateparse"
	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
)

// Reader is the slice of the store the aggregators need. *db.DB implements it.
type Reader interface {
	ListBudgets(ctx context.Context, userID string) ([]models.CategoryBudget, error)
	ListCategories(ctx context.Context, userID string, activeOnly bool) ([]models.Category, error)
	ListTransactions(ctx context.Context, f db.TransactionFilter) ([]models.Transaction, error)
}

var hundred = decimal.NewFromInt(100)

// Line is one budget's consumption in the period containing the reference date.
type Line struct {
	Budget       models.CategoryBudget
	CategoryName string
	From, To     string // inclusive dates
	Spent        decimal.Decimal
	Remaining    decimal.Decimal
	// Percent is Spent as a share of the budget, one decimal place. A zero
	// budget with any spending reads 100.
	Percent decimal.Decimal
}

// Over reports whether spending exceeded the budget.
func (l Line) Over() bool {
	return l.Spent.GreaterThan(l.Budget.Amount)
}

// Status returns every budget of userID with its spending in the period
// that contains ref. Expenses in child categories count against the
// parent's budget.
func Status(ctx context.Context, r Reader, userID string, ref time.Time) ([]Line, error) {
	budgets, err := r.ListBudgets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	if len(budgets) == 0 {
		return nil, nil
	}
	cats, err := r.ListCategories(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	names := make(map[string]string, len(cats))
	parent := make(map[string]string, len(cats))
	for _, c := range cats {
		names[c.ID] = c.Name
		parent[c.ID] = c.ParentID
	}

	txs, err := r.ListTransactions(ctx, db.TransactionFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	lines := make([]Line, 0, len(budgets))
	for _, b := range budgets {
		from, to := Period(b.Period, ref)
		fromS, toS := dateparse.Format(from), dateparse.Format(to)
		spent := decimal.Zero
		for _, t := range txs {
			if t.Type != models.TypeExpense || t.Date < fromS || t.Date > toS {
				continue
			}
			if under(parent, t.CategoryID, b.CategoryID) {
				spent = spent.Add(t.Amount)
			}
		}
		lines = append(lines, Line{
			Budget:       b,
			CategoryName: names[b.CategoryID],
			From:         fromS,
			To:           toS,
			Spent:        spent,
			Remaining:    b.Amount.Sub(spent),
			Percent:      percent(spent, b.Amount),
		})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].CategoryName < lines[j].CategoryName })
	return lines, nil
}

// under reports whether cat is root or one of its descendants.
func under(parent map[string]string, cat, root string) bool {
	seen := 0
	for cat != "" && seen <= len(parent) {
		if cat == root {
			return true
		}
		cat = parent[cat]
		seen++
	}
	return false
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		if part.IsPositive() {
			return hundred
		}
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(1)
}

// Period returns the first and last day of the budget period containing ref.
func Period(p models.BudgetPeriod, ref time.Time) (time.Time, time.Time) {
	ref = dateparse.Truncate(ref)
	if p == models.PeriodYearly {
		from := time.Date(ref.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return from, time.Date(ref.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	from := dateparse.MonthStart(ref)
	return from, from.AddDate(0, 0, dateparse.DaysIn(from.Year(), from.Month())-1)
}

// Totals sums one month of transactions by type.
type Totals struct {
	Month      string
	Income     decimal.Decimal
	Expense    decimal.Decimal
	Investment decimal.Decimal
	Count      int
}

// Net is income minus expenses and investments.
func (t Totals) Net() decimal.Decimal {
	return t.Income.Sub(t.Expense).Sub(t.Investment)
}

// MonthTotals sums userID's live transactions in month (YYYY-MM).
func MonthTotals(ctx context.Context, r Reader, userID, month string) (Totals, error) {
	if _, err := dateparse.ParseMonth(month); err != nil {
		return Totals{}, err
	}
	txs, err := r.ListTransactions(ctx, db.TransactionFilter{UserID: userID, YearMonth: month})
	if err != nil {
		return Totals{}, fmt.Errorf("list transactions: %w", err)
	}
	return Sum(month, txs), nil
}

// Sum totals txs by type.
func Sum(month string, txs []models.Transaction) Totals {
	t := Totals{Month: month, Income: decimal.Zero, Expense: decimal.Zero, Investment: decimal.Zero}
	for _, tx := range txs {
		switch tx.Type {
		case models.TypeIncome:
			t.Income = t.Income.Add(tx.Amount)
		case models.TypeExpense:
			t.Expense = t.Expense.Add(tx.Amount)
		case models.TypeInvestment:
			t.Investment = t.Investment.Add(tx.Amount)
		default:
			continue
		}
		t.Count++
	}
	return t
}

// Comparison sets two months side by side.
type Comparison struct {
	A, B Totals
}

// Delta returns B minus A for each type.
func (c Comparison) Delta() Totals {
	return Totals{
		Month:      c.B.Month,
		Income:     c.B.Income.Sub(c.A.Income),
		Expense:    c.B.Expense.Sub(c.A.Expense),
		Investment: c.B.Investment.Sub(c.A.Investment),
		Count:      c.B.Count - c.A.Count,
	}
}

// ExpenseChange is the relative change in expenses from A to B, in percent.
// ok is false when A had no expenses.
func (c Comparison) ExpenseChange() (pct decimal.Decimal, ok bool) {
	if c.A.Expense.IsZero() {
		return decimal.Zero, false
	}
	return c.B.Expense.Sub(c.A.Expense).Div(c.A.Expense).Mul(hundred).Round(1), true
}

// ComparePeriods totals months a and b (YYYY-MM).
func ComparePeriods(ctx context.Context, r Reader, userID, a, b string) (Comparison, error) {
	ta, err := MonthTotals(ctx, r, userID, a)
	if err != nil {
		return Comparison{}, err
	}
	tb, err := MonthTotals(ctx, r, userID, b)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{A: ta, B: tb}, nil
}

// Share is one member's part of a split amount.
type Share struct {
	MemberID string
	Name     string
	Amount   decimal.Decimal
}

// Split divides amount between the active members by their percentage
// shares, in cents. Rounding leftovers go to the first members so the parts
// always add up to amount.
func Split(amount decimal.Decimal, members []models.GroupMember) []Share {
	var active []models.GroupMember
	for _, m := range members {
		if m.Active() {
			active = append(active, m)
		}
	}
	out := make([]Share, len(active))
	allocated := decimal.Zero
	for i, m := range active {
		part := amount.Mul(m.Share).Div(hundred).RoundDown(2)
		out[i] = Share{MemberID: m.ID, Name: m.DisplayName(), Amount: part}
		allocated = allocated.Add(part)
	}
	cent := decimal.New(1, -2)
	for i := 0; len(out) > 0 && allocated.LessThan(amount); i = (i + 1) % len(out) {
		out[i].Amount = out[i].Amount.Add(cent)
		allocated = allocated.Add(cent)
	}
	return out
}
