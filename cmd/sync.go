package cmd

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/output"
	spsync "github.com/marcus/spendbook/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and pull remote ones",
	Long: `Run one sync cycle: push every pending local change, then pull remote
changes since the last cursor. Use --push or --pull for one direction only,
and --status to inspect the local sync state without contacting the server.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		if status, _ := cmd.Flags().GetBool("status"); status {
			return runSyncStatus(cmd)
		}
		if !cfg.Sync.Enabled {
			output.Warning("sync is disabled (sync.enabled in config)")
			return nil
		}
		push, _ := cmd.Flags().GetBool("push")
		pull, _ := cmd.Flags().GetBool("pull")
		mode := spsync.ModeFull
		switch {
		case push && pull:
		case push:
			mode = spsync.ModePushOnly
		case pull:
			mode = spsync.ModePullOnly
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()
		if _, err := a.requireUser(); err != nil {
			output.Error("%v", err)
			return err
		}

		out, err := a.engine.Sync(ctx, mode)
		if err != nil {
			if errors.Is(err, spsync.ErrUnauthorized) {
				output.Error("session rejected by server; run: spendbook auth login")
				return err
			}
			output.Error("sync: %v", err)
			return err
		}
		printOutcome(out)

		if purge, _ := cmd.Flags().GetBool("purge"); purge {
			before := time.Now().Add(-cfg.Tombstones.Retention.D())
			n, err := a.store.PurgeTombstones(ctx, before)
			if err != nil {
				output.Error("purge: %v", err)
				return err
			}
			if n > 0 {
				fmt.Printf("Purged %s\n", pluralRecords(n))
			}
		}
		return nil
	},
}

func printOutcome(out spsync.Outcome) {
	if out.Empty() && out.Pulled == 0 {
		output.Success("Up to date")
		return
	}
	if out.Mode != spsync.ModePullOnly {
		line := fmt.Sprintf("Pushed %d", out.Pushed)
		if out.Conflicts > 0 {
			line += fmt.Sprintf(", %d rejected as stale", out.Conflicts)
		}
		if out.Failed > 0 {
			line += fmt.Sprintf(", %d failed", out.Failed)
		}
		output.Success("%s", line)
	}
	if out.Mode != spsync.ModePushOnly {
		line := fmt.Sprintf("Pulled %d, applied %d", out.Pulled, out.Applied)
		if out.Skipped > 0 {
			line += fmt.Sprintf(", skipped %d", out.Skipped)
		}
		output.Success("%s", line)
	}
	fmt.Println(output.Subtle(fmt.Sprintf("cursor %d, %s", out.Cursor, out.Duration.Round(time.Millisecond))))
}

func pluralRecords(n int64) string {
	if n == 1 {
		return "1 record"
	}
	return humanize.Comma(n) + " records"
}

func runSyncStatus(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	defer a.close()

	counts, err := a.store.PendingCounts(ctx)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	tables := make([]string, 0, len(counts))
	var pending int64
	for t, n := range counts {
		pending += n
		if n > 0 {
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)

	pairs := [][2]string{
		{"Server", cfg.Sync.URL},
		{"Auth", string(a.auth.State())},
		{"Engine", a.engine.State().String()},
		{"Pending", pluralRecords(pending)},
	}
	if uid := a.userID(); uid != "" {
		if cur, err := a.store.Cursor(ctx, uid); err == nil {
			pairs = append(pairs, [2]string{"Cursor", fmt.Sprint(cur)})
		}
	}
	fmt.Print(output.KeyValue(pairs))

	if len(tables) > 0 {
		fmt.Print(output.SectionHeader("pending"))
		for _, t := range tables {
			fmt.Printf("  %-24s %d\n", t, counts[t])
		}
	}

	since := time.Now().Add(-7 * 24 * time.Hour)
	conflicts, err := a.store.RecentConflicts(ctx, 10, &since)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	if len(conflicts) > 0 {
		fmt.Print(output.SectionHeader("overwritten by server"))
		for _, c := range conflicts {
			fmt.Printf("  %-24s %s  %s\n", c.EntityType, output.ShortID(c.EntityID), output.Subtle(output.FormatTimeAgo(c.OverwrittenAt)))
		}
	}

	history, err := a.store.SyncHistoryTail(ctx, 10)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	if len(history) > 0 {
		fmt.Print(output.SectionHeader("recent activity"))
		for _, h := range history {
			op := h.Direction
			if h.Deleted {
				op += " (delete)"
			}
			fmt.Printf("  %-16s %-24s %s  %s\n", op, h.EntityType, output.ShortID(h.EntityID), output.Subtle(output.FormatTimeAgo(h.Timestamp)))
		}
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("push", false, "push only")
	syncCmd.Flags().Bool("pull", false, "pull only")
	syncCmd.Flags().Bool("status", false, "show local sync state")
	syncCmd.Flags().Bool("purge", false, "drop synced tombstones older than the retention period")
	rootCmd.AddCommand(syncCmd)
}
