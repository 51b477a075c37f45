package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/spendbook/internal/auth"
	"github.com/marcus/spendbook/internal/netstatus"
	"github.com/marcus/spendbook/internal/output"
	"github.com/marcus/spendbook/internal/recurring"
	spsync "github.com/marcus/spendbook/internal/sync"
)

// recurringEvery is how often the background loop materializes due
// recurring transactions.
const recurringEvery = time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the ledger in sync in the background",
	Long: `Run until interrupted: watch connectivity, push local changes shortly
after they are made, pull remote changes periodically and generate due
recurring transactions. Pending changes are pushed once more on exit.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var mon *netstatus.Monitor
		var a *app
		a, err := openAppWith(ctx, appOptions{
			online: func() bool { return mon != nil && mon.Online() },
			onUnauthorized: func(ctx context.Context, err error) {
				a.auth.SessionInvalid(ctx)
			},
		})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		mon = netstatus.New(a.client, cfg.Net.ProbeInterval.D())
		sched := spsync.NewScheduler(a.engine, a.store, spsync.SchedulerConfig{
			Debounce: cfg.Sync.Auto.Debounce.D(),
			Interval: cfg.Sync.Auto.Interval.D(),
			OnStart:  cfg.Sync.Auto.OnStart,
			PushOnly: !cfg.Sync.Auto.Pull,
		})
		gen := recurring.New(a.store)

		a.auth.OnChange(func(from, to auth.State) {
			slog.Info("run: auth state", "from", from, "to", to)
			switch to {
			case auth.StateAuthenticated:
				if sched.Paused() {
					sched.Resume()
				}
			case auth.StateExpiring:
				output.Warning("session rejected; signing out in %s unless you log in again", cfg.Auth.GracePeriod.D())
			case auth.StateUnauthenticated:
				output.Warning("signed out; local data was cleared")
			}
		})
		mon.Subscribe(func(online bool) {
			if online {
				a.auth.Online(ctx)
				sched.Online()
				return
			}
			a.auth.Offline()
		})

		if mon.Check(ctx) {
			a.auth.Online(ctx)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			mon.Run(gctx)
			return nil
		})
		g.Go(func() error {
			generateDue(gctx, gen, a)
			ticker := time.NewTicker(recurringEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					generateDue(gctx, gen, a)
				}
			}
		})
		if cfg.Sync.Enabled && cfg.Sync.Auto.Enabled {
			g.Go(func() error {
				sched.Run(gctx)
				return nil
			})
		}

		output.Info("spendbook running (Ctrl-C to stop)")
		_ = g.Wait()

		if cfg.Sync.Enabled && a.userID() != "" {
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if out, err := sched.Hidden(fctx); err != nil {
				slog.Warn("run: final push", "err", err)
			} else if out.Pushed > 0 {
				slog.Info("run: final push", "records", out.Pushed)
			}
		}
		return nil
	},
}

func generateDue(ctx context.Context, gen *recurring.Generator, a *app) {
	userID := a.userID()
	if userID == "" {
		return
	}
	res, err := gen.Run(ctx, userID, cmdNow())
	if err != nil {
		slog.Warn("run: recurring", "err", err)
		return
	}
	for _, s := range res.Skipped {
		slog.Warn("run: recurring template skipped", "id", s.TemplateID, "err", s.Reason)
	}
	if res.Created > 0 {
		slog.Info("run: recurring", "created", res.Created)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
