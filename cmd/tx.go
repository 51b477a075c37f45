package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/dateparse"
	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/importrules"
	"github.com/marcus/spendbook/internal/models"
	"github.com/marcus/spendbook/internal/output"
)

var txCmd = &cobra.Command{
	Use:     "tx",
	Aliases: []string{"transaction"},
	Short:   "Record and list transactions",
	GroupID: "core",
}

var txAddCmd = &cobra.Command{
	Use:   "add AMOUNT [DESCRIPTION...]",
	Short: "Record a transaction",
	Example: `  spendbook tx add 12.50 Lunch --category Food
  spendbook tx add 2400 Salary --type income --date -1m
  spendbook tx add 30 "Cinema tickets" --group Flatmates`,
	Args: cobra.MinimumNArgs(1),
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
		dateFlag, _ := cmd.Flags().GetString("date")
		date, err := dateparse.ParseDateFrom(dateFlag, cmdNow())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		tx := &models.Transaction{
			SyncMeta:    models.SyncMeta{UserID: userID},
			Type:        txType,
			Amount:      amount,
			Date:        date,
			Description: strings.Join(args[1:], " "),
		}

		if ref, _ := cmd.Flags().GetString("category"); ref != "" {
			c, err := resolveCategory(ctx, a.store, userID, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			tx.CategoryID = c.ID
		} else if tx.Description != "" {
			rules, err := a.store.ListImportRules(ctx, userID)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if m, ok := importrules.Find(rules, tx.Description); ok {
				tx.CategoryID = m.CategoryID
				tx.ContextID = m.ContextID
			}
		}
		if ref, _ := cmd.Flags().GetString("group"); ref != "" {
			g, err := resolveGroup(ctx, a.store, userID, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			tx.GroupID = g.ID
		}

		if err := a.store.CreateTransaction(ctx, tx); err != nil {
			output.Error("save: %v", err)
			return err
		}
		names := categoryNames(ctx, a.store, userID)
		output.Success("ADDED %s", output.ShortID(tx.ID))
		fmt.Println(output.FormatTransaction(*tx, names[tx.CategoryID], a.currency(ctx, userID)))
		return nil
	},
}

var txListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List transactions of a month",
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

		month, _ := cmd.Flags().GetString("month")
		if month == "" {
			month = cmdNow().Format(dateparse.MonthLayout)
		} else if _, err := dateparse.ParseMonth(month); err != nil {
			output.Error("%v", err)
			return err
		}
		f := db.TransactionFilter{UserID: userID, YearMonth: month}
		if all, _ := cmd.Flags().GetBool("all"); all {
			f.YearMonth = ""
		}
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if ref, _ := cmd.Flags().GetString("category"); ref != "" {
			c, err := resolveCategory(ctx, a.store, userID, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			f.CategoryID = c.ID
		}

		txs, err := a.store.ListTransactions(ctx, f)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(txs)
		}
		if len(txs) == 0 {
			fmt.Println("No transactions.")
			return nil
		}
		names := categoryNames(ctx, a.store, userID)
		currency := a.currency(ctx, userID)
		for _, tx := range txs {
			fmt.Printf("%s  %s\n", output.Subtle(output.ShortID(tx.ID)), output.FormatTransaction(tx, names[tx.CategoryID], currency))
		}
		return nil
	},
}

var txDeleteCmd = &cobra.Command{
	Use:     "delete ID...",
	Aliases: []string{"rm"},
	Short:   "Delete transactions",
	Args:    cobra.MinimumNArgs(1),
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

		txs, err := a.store.ListTransactions(ctx, db.TransactionFilter{UserID: userID})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		ids := make([]string, len(txs))
		for i, tx := range txs {
			ids[i] = tx.ID
		}
		for _, ref := range args {
			id, err := matchID(ids, ref)
			if err != nil {
				output.Error("transaction %v", err)
				return err
			}
			if err := a.store.DeleteTransaction(ctx, id); err != nil {
				output.Error("delete %s: %v", output.ShortID(id), err)
				return err
			}
			output.Success("DELETED %s", output.ShortID(id))
		}
		return nil
	},
}

func init() {
	txAddCmd.Flags().StringP("type", "t", "expense", "expense, income or investment")
	txAddCmd.Flags().StringP("date", "d", "today", "date: YYYY-MM-DD, today, -3d, monday, ...")
	txAddCmd.Flags().StringP("category", "c", "", "category name or id (default: import rules)")
	txAddCmd.Flags().StringP("group", "g", "", "shared group name or id")

	txListCmd.Flags().StringP("month", "m", "", "month YYYY-MM (default: current)")
	txListCmd.Flags().Bool("all", false, "all months")
	txListCmd.Flags().IntP("limit", "n", 0, "maximum rows")
	txListCmd.Flags().StringP("category", "c", "", "only this category")
	txListCmd.Flags().Bool("json", false, "output JSON")

	txCmd.AddCommand(txAddCmd)
	txCmd.AddCommand(txListCmd)
	txCmd.AddCommand(txDeleteCmd)
	rootCmd.AddCommand(txCmd)
}
