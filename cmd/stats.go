package cmd

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/budget"
	"github.com/marcus/spendbook/internal/dateparse"
	"github.com/marcus/spendbook/internal/output"
)

var statsCmd = &cobra.Command{
	Use:     "stats [MONTH]",
	Short:   "Show income, expenses and investments for a month",
	GroupID: "plan",
	Args:    cobra.MaximumNArgs(1),
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

		month := cmdNow().Format(dateparse.MonthLayout)
		if len(args) == 1 {
			month = args[0]
		}
		t, err := budget.MonthTotals(ctx, a.store, userID, month)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(map[string]any{
				"month":      t.Month,
				"income":     t.Income,
				"expense":    t.Expense,
				"investment": t.Investment,
				"net":        t.Net(),
				"count":      t.Count,
			})
		}
		currency := a.currency(ctx, userID)
		fmt.Print(output.SectionHeader(month))
		fmt.Print(output.KeyValue([][2]string{
			{"Income", output.FormatAmount(t.Income, currency)},
			{"Expenses", output.FormatAmount(t.Expense, currency)},
			{"Investments", output.FormatAmount(t.Investment, currency)},
			{"Net", output.FormatAmount(t.Net(), currency)},
			{"Transactions", fmt.Sprint(t.Count)},
		}))
		return nil
	},
}

var statsCompareCmd = &cobra.Command{
	Use:     "compare MONTH_A MONTH_B",
	Short:   "Compare two months",
	Example: `  spendbook stats compare 2024-01 2024-02`,
	Args:    cobra.ExactArgs(2),
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

		c, err := budget.ComparePeriods(ctx, a.store, userID, args[0], args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		currency := a.currency(ctx, userID)
		d := c.Delta()
		fmt.Printf("%-12s %16s %16s %16s\n", "", c.A.Month, c.B.Month, "change")
		row := func(label string, x, y, delta decimal.Decimal) {
			fmt.Printf("%-12s %16s %16s %16s\n", label,
				output.FormatAmount(x, currency), output.FormatAmount(y, currency), signed(delta, currency))
		}
		row("Income", c.A.Income, c.B.Income, d.Income)
		row("Expenses", c.A.Expense, c.B.Expense, d.Expense)
		row("Investments", c.A.Investment, c.B.Investment, d.Investment)
		row("Net", c.A.Net(), c.B.Net(), c.B.Net().Sub(c.A.Net()))
		if pct, ok := c.ExpenseChange(); ok {
			fmt.Printf("\nExpenses changed by %s%%\n", signedPct(pct))
		}
		return nil
	},
}

func signed(d decimal.Decimal, currency string) string {
	s := output.FormatAmount(d, currency)
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func signedPct(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(1)
	}
	return d.StringFixed(1)
}

var settingsCmd = &cobra.Command{
	Use:     "settings",
	Short:   "Show or change preferences",
	GroupID: "system",
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
		s, err := a.store.GetSettings(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Print(output.KeyValue([][2]string{
			{"Currency", s.Currency},
			{"Theme", s.Theme},
			{"Budget target", output.FormatAmount(s.BudgetTarget, s.Currency)},
		}))
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:     "set",
	Short:   "Change preferences",
	Example: `  spendbook settings set --currency USD --target 2000`,
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
		s, err := a.store.GetSettings(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if cmd.Flags().Changed("currency") {
			cur, _ := cmd.Flags().GetString("currency")
			s.Currency = strings.ToUpper(strings.TrimSpace(cur))
		}
		if cmd.Flags().Changed("theme") {
			s.Theme, _ = cmd.Flags().GetString("theme")
		}
		if cmd.Flags().Changed("target") {
			t, _ := cmd.Flags().GetString("target")
			if s.BudgetTarget, err = parseAmount(t); err != nil {
				output.Error("%v", err)
				return err
			}
		}
		if err := a.store.SaveSettings(ctx, s); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("Settings saved")
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "output JSON")
	settingsSetCmd.Flags().String("currency", "", "display currency code")
	settingsSetCmd.Flags().String("theme", "", "light, dark or system")
	settingsSetCmd.Flags().String("target", "", "monthly budget target")

	statsCmd.AddCommand(statsCompareCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(settingsCmd)
}
