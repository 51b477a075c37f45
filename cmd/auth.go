package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marcus/spendbook/internal/auth"
	"github.com/marcus/spendbook/internal/output"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync authentication",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with an access token",
	Long: `Log in with an access token issued by the server. The token is read from
--token, $SPENDBOOK_TOKEN, or prompted for without echo.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = os.Getenv("SPENDBOOK_TOKEN")
		}
		if token == "" {
			var err error
			if token, err = promptSecret("Access token: "); err != nil {
				return err
			}
		}
		if token == "" {
			return fmt.Errorf("token required")
		}
		email, _ := cmd.Flags().GetString("email")

		a, err := openAppWith(cmd.Context(), appOptions{online: func() bool { return false }})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		snap, err := a.auth.Login(cmd.Context(), auth.Credential{
			AccessToken: token,
			Email:       email,
			ServerURL:   cfg.Sync.URL,
		})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Logged in as %s", snap.Credential.Email)
		return nil
	},
}

// promptSecret reads a line without echo when stdin is a terminal.
func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and erase local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if counts, err := a.store.PendingCounts(cmd.Context()); err == nil {
			var pending int64
			for _, n := range counts {
				pending += n
			}
			if pending > 0 {
				force, _ := cmd.Flags().GetBool("force")
				if !force {
					output.Warning("%d unsynced changes would be lost (run: spendbook sync, or pass --force)", pending)
					return fmt.Errorf("unsynced changes")
				}
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := a.auth.SignOut(ctx); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if check, _ := cmd.Flags().GetBool("check"); check {
			a.auth.Online(cmd.Context())
			a.auth.Wait()
		}

		snap := a.auth.Current()
		if !snap.Authenticated() {
			fmt.Println("Not logged in.")
			return nil
		}
		cred := snap.Credential
		device, _ := a.cache.DeviceID()
		pairs := [][2]string{
			{"Email", cred.Email},
			{"User", cred.UserID},
			{"Server", cfg.Sync.URL},
			{"Device", device},
			{"State", string(snap.State)},
		}
		if !cred.ExpiresAt.IsZero() {
			pairs = append(pairs, [2]string{"Expires", cred.ExpiresAt.Local().Format(time.RFC1123)})
		}
		fmt.Print(output.KeyValue(pairs))
		if cred.Expired(time.Now()) {
			output.Warning("token expired; run: spendbook auth login")
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("token", "", "access token")
	authLoginCmd.Flags().String("email", "", "email, when the token does not carry one")
	authLogoutCmd.Flags().Bool("force", false, "log out even with unsynced changes")
	authStatusCmd.Flags().Bool("check", false, "validate the session with the server")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
