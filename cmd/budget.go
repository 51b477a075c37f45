package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/budget"
	"github.com/marcus/spendbook/internal/dateparse"
	"github.com/marcus/spendbook/internal/models"
	"github.com/marcus/spendbook/internal/output"
)

var budgetCmd = &cobra.Command{
	Use:     "budget",
	Short:   "Set category budgets and check spending against them",
	GroupID: "plan",
}

var budgetSetCmd = &cobra.Command{
	Use:   "set CATEGORY AMOUNT",
	Short: "Set the budget of a category",
	Args:  cobra.ExactArgs(2),
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

		cat, err := resolveCategory(ctx, a.store, userID, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		period, _ := cmd.Flags().GetString("period")
		b := &models.CategoryBudget{
			SyncMeta:   models.SyncMeta{UserID: userID},
			CategoryID: cat.ID,
			Amount:     amount,
			Period:     models.BudgetPeriod(period),
		}
		if err := a.store.SetBudget(ctx, b); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("BUDGET %s %s %s", cat.Name, output.FormatAmount(amount, a.currency(ctx, userID)), b.Period)
		return nil
	},
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show spending against each budget",
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

		ref := cmdNow()
		if s, _ := cmd.Flags().GetString("date"); s != "" {
			d, err := dateparse.ParseDateFrom(s, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			ref, _ = dateparse.Parse(d)
		}
		lines, err := budget.Status(ctx, a.store, userID, ref)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(lines)
		}
		if len(lines) == 0 {
			fmt.Println("No budgets. Set one with: spendbook budget set CATEGORY AMOUNT")
			return nil
		}

		currency := a.currency(ctx, userID)
		barWidth := output.TerminalWidth(80) / 4
		if barWidth > 30 {
			barWidth = 30
		}
		for _, l := range lines {
			fmt.Printf("%-20s %s  %s / %s\n",
				l.CategoryName,
				output.ProgressBar(l.Percent, barWidth),
				output.FormatAmount(l.Spent, currency),
				output.FormatAmount(l.Budget.Amount, currency))
			if l.Over() {
				output.Warning("  %s over budget by %s", l.CategoryName, output.FormatAmount(l.Remaining.Neg(), currency))
			}
		}
		return nil
	},
}

func init() {
	budgetSetCmd.Flags().String("period", string(models.PeriodMonthly), "monthly or yearly")
	budgetStatusCmd.Flags().String("date", "", "reference date (default: today)")
	budgetStatusCmd.Flags().Bool("json", false, "output JSON")

	budgetCmd.AddCommand(budgetSetCmd)
	budgetCmd.AddCommand(budgetStatusCmd)
	rootCmd.AddCommand(budgetCmd)
}
