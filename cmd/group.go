package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/marcus/spendbook/internal/budget"
	"github.com/marcus/spendbook/internal/db"
	"github.com/marcus/spendbook/internal/models"
	"github.com/marcus/spendbook/internal/output"
)

var groupCmd = &cobra.Command{
	Use:     "group",
	Short:   "Manage shared groups and member shares",
	GroupID: "core",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a group with yourself as the only member",
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

		g := &models.Group{
			SyncMeta:  models.SyncMeta{UserID: userID},
			Name:      strings.TrimSpace(args[0]),
			CreatedBy: userID,
		}
		g.Description, _ = cmd.Flags().GetString("description")
		if _, err := a.store.CreateGroup(ctx, g); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("CREATED %s %s", output.ShortID(g.ID), g.Name)
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List groups",
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

		groups, err := a.store.ListGroups(ctx, userID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			members, err := a.store.ListMembers(ctx, g.ID, true)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fmt.Printf("%s  %s  %s\n", output.Subtle(output.ShortID(g.ID)), output.Title(g.Name),
				output.Subtle(fmt.Sprintf("%d members", len(members))))
		}
		return nil
	},
}

var groupAddMemberCmd = &cobra.Command{
	Use:   "add-member GROUP",
	Short: "Add a user or a guest to a group",
	Example: `  spendbook group add-member Flatmates --user 7f6c...
  spendbook group add-member Flatmates --guest Sam --share 0`,
	Args: cobra.ExactArgs(1),
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

		g, err := resolveGroup(ctx, a.store, userID, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		guest, _ := cmd.Flags().GetString("guest")
		if (user == "") == (guest == "") {
			err := errors.New("pass exactly one of --user or --guest")
			output.Error("%v", err)
			return err
		}
		shareFlag, _ := cmd.Flags().GetString("share")
		share, err := decimal.NewFromString(shareFlag)
		if err != nil {
			err = fmt.Errorf("invalid share %q", shareFlag)
			output.Error("%v", err)
			return err
		}

		m := &models.GroupMember{
			SyncMeta:     models.SyncMeta{UserID: userID},
			GroupID:      g.ID,
			MemberUserID: user,
			IsGuest:      guest != "",
			GuestName:    guest,
			Share:        share,
		}
		if err := a.store.AddMember(ctx, m); err != nil {
			output.Error("save: %v", err)
			return err
		}
		output.Success("ADDED %s to %s", m.DisplayName(), g.Name)
		warnUnbalanced(ctx, a.store, g.ID)
		return nil
	},
}

var groupRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member GROUP MEMBER",
	Short: "Remove a member from a group",
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

		g, err := resolveGroup(ctx, a.store, userID, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		members, err := a.store.ListMembers(ctx, g.ID, true)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		m, err := resolveMember(members, args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := a.store.RemoveMember(ctx, m.ID); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("REMOVED %s from %s", m.DisplayName(), g.Name)
		warnUnbalanced(ctx, a.store, g.ID)
		return nil
	},
}

var groupSharesCmd = &cobra.Command{
	Use:   "shares GROUP [MEMBER=PERCENT...]",
	Short: "Show or set member shares",
	Long: `Without assignments, show each active member's share. With assignments,
set them; the shares of all active members must then sum to exactly 100.`,
	Example: `  spendbook group shares Flatmates
  spendbook group shares Flatmates alice=60 Sam=40`,
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

		g, err := resolveGroup(ctx, a.store, userID, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		members, err := a.store.ListMembers(ctx, g.ID, true)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if len(args) > 1 {
			shares, err := parseShareArgs(members, args[1:])
			if err != nil {
				output.Error("%v", err)
				return err
			}
			if err := a.store.UpdateShares(ctx, g.ID, shares); err != nil {
				if errors.Is(err, db.ErrSharesNot100) {
					output.Error("%v (nothing changed)", err)
				} else {
					output.Error("%v", err)
				}
				return err
			}
			output.Success("UPDATED shares of %s", g.Name)
			if members, err = a.store.ListMembers(ctx, g.ID, true); err != nil {
				output.Error("%v", err)
				return err
			}
		}

		pairs := make([][2]string, len(members))
		for i, m := range members {
			pairs[i] = [2]string{m.DisplayName(), m.Share.String() + "%"}
		}
		fmt.Print(output.KeyValue(pairs))
		return nil
	},
}

var groupSplitCmd = &cobra.Command{
	Use:   "split GROUP AMOUNT",
	Short: "Show how an amount divides between members",
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

		g, err := resolveGroup(ctx, a.store, userID, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		amount, err := parseAmount(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		members, err := a.store.ListMembers(ctx, g.ID, true)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		currency := a.currency(ctx, userID)
		var pairs [][2]string
		for _, s := range budget.Split(amount, members) {
			pairs = append(pairs, [2]string{s.Name, output.FormatAmount(s.Amount, currency)})
		}
		fmt.Print(output.KeyValue(pairs))
		return nil
	},
}

// resolveMember finds an active member by id prefix, user id or guest name.
func resolveMember(members []models.GroupMember, ref string) (*models.GroupMember, error) {
	ids := make([]string, len(members))
	for i := range members {
		if strings.EqualFold(members[i].DisplayName(), ref) {
			return &members[i], nil
		}
		ids[i] = members[i].ID
	}
	id, err := matchID(ids, ref)
	if err != nil {
		return nil, fmt.Errorf("member %w", err)
	}
	for i := range members {
		if members[i].ID == id {
			return &members[i], nil
		}
	}
	return nil, db.ErrNotFound
}

// parseShareArgs reads MEMBER=PERCENT assignments into member id -> share.
func parseShareArgs(members []models.GroupMember, args []string) (map[string]decimal.Decimal, error) {
	shares := make(map[string]decimal.Decimal, len(args))
	for _, arg := range args {
		ref, pct, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid assignment %q (want MEMBER=PERCENT)", arg)
		}
		m, err := resolveMember(members, ref)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(pct), "%"))
		if err != nil {
			return nil, fmt.Errorf("invalid share %q for %s", pct, ref)
		}
		shares[m.ID] = d
	}
	return shares, nil
}

func warnUnbalanced(ctx context.Context, store *db.DB, groupID string) {
	members, err := store.ListMembers(ctx, groupID, true)
	if err != nil {
		return
	}
	shares := make([]decimal.Decimal, len(members))
	for i, m := range members {
		shares[i] = m.Share
	}
	if err := db.ValidateShares(shares); err != nil {
		output.Warning("%v; adjust with: spendbook group shares", err)
	}
}

func init() {
	groupCreateCmd.Flags().String("description", "", "group description")
	groupAddMemberCmd.Flags().String("user", "", "user id of a registered member")
	groupAddMemberCmd.Flags().String("guest", "", "name of a guest member")
	groupAddMemberCmd.Flags().String("share", "0", "share percentage")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupAddMemberCmd)
	groupCmd.AddCommand(groupRemoveMemberCmd)
	groupCmd.AddCommand(groupSharesCmd)
	groupCmd.AddCommand(groupSplitCmd)
	rootCmd.AddCommand(groupCmd)
}
