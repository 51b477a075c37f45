package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/models"
	"github.com/marcus/spendbook/internal/output"
)

var categoryCmd = &cobra.Command{
	Use:     "category",
	Aliases: []string{"cat"},
	Short:   "Manage categories",
	GroupID: "core",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a category",
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

		typeFlag, _ := cmd.Flags().GetString("type")
		txType, err := parseTxType(typeFlag)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		c := &models.Category{
			SyncMeta: models.SyncMeta{UserID: userID},
			Name:     strings.TrimSpace(args[0]),
			Type:     txType,
			Active:   true,
		}
		c.Icon, _ = cmd.Flags().GetString("icon")
		c.Color, _ = cmd.Flags().GetString("color")
		if ref, _ := cmd.Flags().GetString("parent"); ref != "" {
			parent, err := resolveCategory(ctx, a.store, userID, ref)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			c.ParentID = parent.ID
		}
		if err := a.store.CreateCategory(ctx, c); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("CREATED %s %s", output.ShortID(c.ID), c.Name)
		return nil
	},
}

var categoryListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List categories as a tree",
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

		all, _ := cmd.Flags().GetBool("all")
		cats, err := a.store.ListCategories(ctx, userID, !all)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if len(cats) == 0 {
			fmt.Println("No categories.")
			return nil
		}
		for _, line := range categoryTree(cats) {
			fmt.Println(line)
		}
		return nil
	},
}

// categoryTree renders categories indented under their parents. Orphans
// (parent missing or inactive) are shown at the top level.
func categoryTree(cats []models.Category) []string {
	known := make(map[string]bool, len(cats))
	for _, c := range cats {
		known[c.ID] = true
	}
	children := make(map[string][]models.Category)
	for _, c := range cats {
		parent := c.ParentID
		if !known[parent] {
			parent = ""
		}
		children[parent] = append(children[parent], c)
	}

	var lines []string
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, c := range children[parent] {
			line := strings.Repeat("  ", depth)
			if c.Icon != "" {
				line += c.Icon + " "
			}
			line += output.Title(c.Name) + "  " + output.FormatType(c.Type)
			if !c.Active {
				line += output.Subtle("  (inactive)")
			}
			lines = append(lines, line)
			if depth < 16 {
				walk(c.ID, depth+1)
			}
		}
	}
	walk("", 0)
	return lines
}

var ruleCmd = &cobra.Command{
	Use:     "rule",
	Short:   "Manage categorization rules for new transactions",
	GroupID: "core",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add PATTERN CATEGORY",
	Short: "Assign CATEGORY to transactions whose description matches PATTERN",
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

		cat, err := resolveCategory(ctx, a.store, userID, args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		match, _ := cmd.Flags().GetString("match")
		prio, _ := cmd.Flags().GetInt("priority")
		r := &models.ImportRule{
			SyncMeta:   models.SyncMeta{UserID: userID},
			Pattern:    args[0],
			MatchType:  models.MatchType(match),
			CategoryID: cat.ID,
			Priority:   prio,
			Active:     true,
		}
		if err := a.store.CreateImportRule(ctx, r); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("RULE %s: %s %q -> %s", output.ShortID(r.ID), r.MatchType, r.Pattern, cat.Name)
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active rules by priority",
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
		rules, err := a.store.ListImportRules(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		names := categoryNames(ctx, a.store, userID)
		for _, r := range rules {
			fmt.Printf("%s  %3d  %-8s %-24q -> %s\n", output.Subtle(output.ShortID(r.ID)), r.Priority, r.MatchType, r.Pattern, names[r.CategoryID])
		}
		return nil
	},
}

func init() {
	categoryAddCmd.Flags().StringP("type", "t", "expense", "expense, income or investment")
	categoryAddCmd.Flags().StringP("parent", "p", "", "parent category name or id")
	categoryAddCmd.Flags().String("icon", "", "icon (emoji)")
	categoryAddCmd.Flags().String("color", "", "color")
	categoryListCmd.Flags().Bool("all", false, "include inactive categories")

	ruleAddCmd.Flags().String("match", string(models.MatchContains), "contains, prefix or exact")
	ruleAddCmd.Flags().Int("priority", 0, "higher priority rules are tried first")

	categoryCmd.AddCommand(categoryAddCmd)
	categoryCmd.AddCommand(categoryListCmd)
	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
	rootCmd.AddCommand(categoryCmd)
	rootCmd.AddCommand(ruleCmd)
}
