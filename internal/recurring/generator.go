// Package recurring materializes recurring templates into transactions,
// replaying every occurrence missed since the last run.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize/english"

	"github.com/marcus/spendbook/internal/dateparse"
	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
)

// ErrInvalidFrequency marks a template whose frequency is not one of
// daily, weekly, monthly or yearly.
var ErrInvalidFrequency = errors.New("invalid frequency")

// ErrInvalidDate marks a template with a malformed start, end or
// last-generated date.
var ErrInvalidDate = errors.New("invalid template date")

// Skip names a template left out of a run and why.
type Skip struct {
	TemplateID string
	Reason     error
}

// Result reports one run.
type Result struct {
	Created   int
	Templates int
	Skipped   []Skip
}

// Generator writes due occurrences of the user's active templates. Runs are
// serialized, so a template's last_generated is committed before the next
// run reads it.
type Generator struct {
	store *db.DB
	mu    sync.Mutex
}

// New creates a generator over store.
func New(store *db.DB) *Generator {
	return &Generator{store: store}
}

// Run generates every occurrence dated on or before today that has not been
// generated yet. Each template commits in its own transaction; a template
// that cannot be processed is skipped and reported while the others go on.
// Storage errors abort the run.
func (g *Generator) Run(ctx context.Context, userID string, today time.Time) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var res Result
	templates, err := g.store.ActiveRecurring(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("list templates: %w", err)
	}
	today = dateparse.Truncate(today)

	for _, t := range templates {
		n, err := g.runTemplate(ctx, t.ID, today)
		switch {
		case errors.Is(err, ErrInvalidFrequency), errors.Is(err, ErrInvalidDate):
			slog.Warn("recurring: skip template", "id", t.ID, "err", err)
			res.Skipped = append(res.Skipped, Skip{TemplateID: t.ID, Reason: err})
			continue
		case errors.Is(err, db.ErrNotFound):
			// Deleted between listing and processing.
			continue
		case err != nil:
			return res, fmt.Errorf("template %s: %w", t.ID, err)
		}
		res.Templates++
		res.Created += n
	}

	if res.Created > 0 {
		slog.Info("recurring: generated", "transactions", res.Created, "templates", res.Templates)
	}
	return res, nil
}

func (g *Generator) runTemplate(ctx context.Context, id string, today time.Time) (int, error) {
	var created int
	err := g.store.WithTx(ctx, func(tx *db.Tx) error {
		t, err := tx.GetRecurring(ctx, id)
		if err != nil {
			return err
		}
		if !t.Active {
			return nil
		}
		dates, err := Due(*t, today)
		if err != nil {
			return err
		}
		if len(dates) == 0 {
			return nil
		}
		for _, d := range dates {
			if err := tx.CreateTransaction(ctx, fromTemplate(t, d)); err != nil {
				return fmt.Errorf("create occurrence %s: %w", d, err)
			}
		}
		last := dates[len(dates)-1]
		if err := tx.Update(ctx, db.TableRecurring, t.ID, db.Row{"last_generated": last}); err != nil {
			return err
		}
		created = len(dates)
		return nil
	})
	return created, err
}

func fromTemplate(t *models.RecurringTransaction, date string) *models.Transaction {
	return &models.Transaction{
		SyncMeta:       models.SyncMeta{UserID: t.UserID},
		GroupID:        t.GroupID,
		PaidByMemberID: t.PaidByMemberID,
		CategoryID:     t.CategoryID,
		ContextID:      t.ContextID,
		Type:           t.Type,
		Amount:         t.Amount,
		Date:           date,
		Description:    t.Description,
		RecurringID:    t.ID,
	}
}

// Due returns the occurrences of t that are on or before today, after its
// last generated date and not past its end date, oldest first.
func Due(t models.RecurringTransaction, today time.Time) ([]string, error) {
	today = dateparse.Truncate(today)
	var out []string
	err := walk(t, func(d time.Time) bool {
		if d.After(today) {
			return false
		}
		out = append(out, dateparse.Format(d))
		return true
	})
	return out, err
}

// Preview returns the next n occurrences of t that have not been generated,
// whether due yet or not.
func Preview(t models.RecurringTransaction, n int) ([]string, error) {
	var out []string
	err := walk(t, func(d time.Time) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, dateparse.Format(d))
		return true
	})
	return out, err
}

// walk calls fn with each not-yet-generated occurrence until fn returns
// false or the end date is passed. Occurrences are counted from the start
// date, so month-end templates keep their day after a short month.
func walk(t models.RecurringTransaction, fn func(time.Time) bool) error {
	if !t.Frequency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, t.Frequency)
	}
	unit, err := dateparse.ParseUnit(string(t.Frequency))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrequency, err)
	}
	start, err := dateparse.Parse(t.StartDate)
	if err != nil {
		return fmt.Errorf("%w: start: %v", ErrInvalidDate, err)
	}
	var end, last time.Time
	if t.EndDate != "" {
		if end, err = dateparse.Parse(t.EndDate); err != nil {
			return fmt.Errorf("%w: end: %v", ErrInvalidDate, err)
		}
	}
	if t.LastGenerated != "" {
		if last, err = dateparse.Parse(t.LastGenerated); err != nil {
			return fmt.Errorf("%w: last generated: %v", ErrInvalidDate, err)
		}
	}

	for i := 0; ; i++ {
		d := dateparse.Step(start, unit, i)
		if !last.IsZero() && !d.After(last) {
			continue
		}
		if !end.IsZero() && d.After(end) {
			return nil
		}
		if !fn(d) {
			return nil
		}
	}
}

// Summary is the user-facing line for a run.
func Summary(r Result) string {
	if r.Created == 0 {
		return "nothing to generate"
	}
	return english.Plural(r.Created, "recurring transaction", "") + " added"
}
