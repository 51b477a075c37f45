package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/dateparse"
	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
	"github.com/marcus/spendbook/internal/output"
	"github.com/marcus/spendbook/internal/recurring"
)

var recurringCmd = &cobra.Command{
	Use:     "recurring",
	Aliases: []string{"rec"},
	Short:   "Manage recurring transactions",
	GroupID: "plan",
}

var recurringAddCmd = &cobra.Command{
	Use:   "add AMOUNT DESCRIPTION...",
	Short: "Create a recurring template",
	Example: `  spendbook recurring add 950 Rent --freq monthly --start 2024-01-31 --category Housing
  spendbook recurring add 9.99 Streaming --freq monthly --end 2025-12-31`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()
		userID, err := a.requireUser()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		amount, err := parseAmount(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		typeFlag, _ := cmd.Flags().GetString("type")
		txType, err := parseTxType(typeFlag)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		freq, _ := cmd.Flags().GetString("freq")
		if !models.Frequency(freq).Valid() {
			err := fmt.Errorf("%w: %q (use daily, weekly, monthly or yearly)", recurring.ErrInvalidFrequency, freq)
			output.Error("%v", err)
			return err
		}
		startFlag, _ := cmd.Flags().GetString("start")
		start, err := dateparse.ParseDateFrom(startFlag, cmdNow())
		if err != nil {
			output.Error("start: %v", err)
			return err
		}
		r := &models.RecurringTransaction{
			SyncMeta:    models.SyncMeta{UserID: userID},
			Type:        txType,
			Amount:      amount,
			Description: strings.Join(args[1:], " "),
			Frequency:   models.Frequency(freq),
			StartDate:   start,
			Active:      true,
		}
		if endFlag, _ := cmd.Flags().GetString("end"); endFlag != "" {
			end, err := dateparse.ParseDateFrom(endFlag, cmdNow())
			if err != nil {
				output.Error("end: %v", err)
				return err
			}
			if end < start {
				err := fmt.Errorf("end %s is before start %s", end, start)
				output.Error("%v", err)
				return err
			}
			r.EndDate = end
		}
		if ref, _ := cmd.Flags().GetString("category"); ref != "" {
			c, err := resolveCategory(ctx, a.store, userID, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			r.CategoryID = c.ID
		}
		if ref, _ := cmd.Flags().GetString("group"); ref != "" {
			g, err := resolveGroup(ctx, a.store, userID, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			r.GroupID = g.ID
		}

		if err := a.store.CreateRecurring(ctx, r); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("CREATED %s %s %s", output.ShortID(r.ID), r.Frequency, r.Description)
		if next, err := recurring.Preview(*r, 1); err == nil && len(next) > 0 {
			fmt.Printf("  next: %s\n", next[0])
		}
		return nil
	},
}

var recurringListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recurring templates with their next dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()
		userID, err := a.requireUser()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		list, err := a.store.ListRecurring(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if len(list) == 0 {
			fmt.Println("No recurring transactions.")
			return nil
		}
		n, _ := cmd.Flags().GetInt("next")
		currency := a.currency(ctx, userID)
		for _, r := range list {
			line := fmt.Sprintf("%s  %-8s %s %s", output.Subtle(output.ShortID(r.ID)), r.Frequency,
				output.FormatAmount(r.Amount, currency), r.Description)
			if !r.Active {
				fmt.Println(line + output.Subtle("  (paused)"))
				continue
			}
			next, err := recurring.Preview(r, n)
			if err != nil {
				output.Warning("%s: %v", output.ShortID(r.ID), err)
				continue
			}
			if len(next) == 0 {
				line += output.Subtle("  (ended)")
			} else {
				line += output.Subtle("  next: " + strings.Join(next, ", "))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var recurringRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate every due occurrence",
	Long: `Generate transactions for every occurrence that came due since the last
run. Occurrences already generated are never created twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()
		userID, err := a.requireUser()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		today := cmdNow()
		if s, _ := cmd.Flags().GetString("today"); s != "" {
			if today, err = dateparse.Parse(s); err != nil {
				output.Error("%v", err)
				return err
			}
		}
		res, err := recurring.New(a.store).Run(ctx, userID, today)
		if err != nil {
			output.Error("generate: %v", err)
			return err
		}
		for _, s := range res.Skipped {
			output.Warning("skipped %s: %v", output.ShortID(s.TemplateID), s.Reason)
		}
		output.Success("%s", recurring.Summary(res))
		return nil
	},
}

var recurringPauseCmd = &cobra.Command{
	Use:   "pause ID",
	Short: "Pause or resume a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()
		userID, err := a.requireUser()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		list, err := a.store.ListRecurring(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		ids := make([]string, len(list))
		for i, r := range list {
			ids[i] = r.ID
		}
		id, err := matchID(ids, args[0])
		if err != nil {
			output.Error("recurring %v", err)
			return err
		}
		resume, _ := cmd.Flags().GetBool("resume")
		if err := a.store.UpdateRecurring(ctx, id, db.Row{"active": resume}); err != nil {
			output.Error("%v", err)
			return err
		}
		if resume {
			output.Success("RESUMED %s", output.ShortID(id))
		} else {
			output.Success("PAUSED %s", output.ShortID(id))
		}
		return nil
	},
}

var recurringDeleteCmd = &cobra.Command{
	Use:     "delete ID",
	Aliases: []string{"rm"},
	Short:   "Delete a template (generated transactions stay)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()
		userID, err := a.requireUser()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		list, err := a.store.ListRecurring(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		ids := make([]string, len(list))
		for i, r := range list {
			ids[i] = r.ID
		}
		id, err := matchID(ids, args[0])
		if err != nil {
			output.Error("recurring %v", err)
			return err
		}
		if err := a.store.DeleteRecurring(ctx, id); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("DELETED %s", output.ShortID(id))
		return nil
	},
}

func init() {
	recurringAddCmd.Flags().StringP("type", "t", "expense", "expense, income or investment")
	recurringAddCmd.Flags().StringP("freq", "f", string(models.FrequencyMonthly), "daily, weekly, monthly or yearly")
	recurringAddCmd.Flags().String("start", "today", "first occurrence")
	recurringAddCmd.Flags().String("end", "", "last possible occurrence")
	recurringAddCmd.Flags().StringP("category", "c", "", "category name or id")
	recurringAddCmd.Flags().StringP("group", "g", "", "shared group name or id")

	recurringListCmd.Flags().IntP("next", "n", 3, "upcoming dates to show")
	recurringRunCmd.Flags().String("today", "", "generate as of this date (YYYY-MM-DD)")
	recurringPauseCmd.Flags().Bool("resume", false, "resume instead of pausing")

	recurringCmd.AddCommand(recurringAddCmd)
	recurringCmd.AddCommand(recurringListCmd)
	recurringCmd.AddCommand(recurringRunCmd)
	recurringCmd.AddCommand(recurringPauseCmd)
	recurringCmd.AddCommand(recurringDeleteCmd)
	rootCmd.AddCommand(recurringCmd)
}
