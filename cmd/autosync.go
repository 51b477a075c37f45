package cmd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	spsync "github.com/marcus/spendbook/internal/sync"
)

// mutatingCommands lists commands that modify local data and should trigger auto-sync.
var mutatingCommands = map[string]bool{
	"tx add":              true,
	"tx delete":           true,
	"category add":        true,
	"recurring add":       true,
	"recurring run":       true,
	"recurring pause":     true,
	"recurring delete":    true,
	"group create":        true,
	"group add-member":    true,
	"group remove-member": true,
	"group shares":        true,
	"budget set":          true,
	"rule add":            true,
	"settings set":        true,
}

// commandKey is the command path without the binary name: "tx add".
func commandKey(cmd *cobra.Command) string {
	path := cmd.CommandPath()
	if i := strings.IndexByte(path, ' '); i >= 0 {
		return path[i+1:]
	}
	return ""
}

// isMutatingCommand checks if the given command triggers auto-sync.
func isMutatingCommand(cmd *cobra.Command) bool {
	return mutatingCommands[commandKey(cmd)]
}

// AutoSyncEnabled reports whether one-shot commands push after mutating.
func AutoSyncEnabled() bool {
	return cfg != nil && cfg.Sync.Enabled && cfg.Sync.Auto.Enabled
}

// autoSyncAfterMutation runs a quick push after a mutating command completes.
// Runs synchronously but with a short timeout. Errors are logged, not returned.
func autoSyncAfterMutation(ctx context.Context) {
	if !AutoSyncEnabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		slog.Debug("autosync: open", "err", err)
		return
	}
	defer a.close()
	if a.userID() == "" {
		return
	}

	a.client.HTTP.Timeout = 5 * time.Second // short timeout for auto-sync
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Push only; pull happens on the next explicit sync or run tick
	out, err := a.engine.Sync(ctx, spsync.ModePushOnly)
	if err != nil {
		slog.Debug("autosync: push", "err", err)
		return
	}
	slog.Debug("autosync: pushed", "records", out.Pushed, "conflicts", out.Conflicts)
}
