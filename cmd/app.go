package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/spendbook/internal/auth"
	"github.com/marcus/spendbook/internal/db"
	spsync "github.com/marcus/spendbook/internal/sync"
	"github.com/marcus/spendbook/internal/syncclient"
)

// cmdNow is the clock commands use for "today".
var cmdNow = time.Now

// errNotLoggedIn is returned by commands that need an identity.
var errNotLoggedIn = errors.New("not logged in (run: spendbook auth login)")

// app is the set of long-lived objects a command works with. One-shot
// commands boot the session offline so they never wait on the network.
type app struct {
	store  *db.DB
	cache  *auth.Cache
	client *syncclient.Client
	auth   *auth.Machine
	engine *spsync.Engine
}

// appOptions changes how openApp wires the session.
type appOptions struct {
	// online reports connectivity to the auth machine; nil means offline.
	online func() bool
	// onUnauthorized replaces the default of reporting auth failures to
	// the caller only.
	onUnauthorized func(ctx context.Context, err error)
}

func openApp(ctx context.Context) (*app, error) {
	return openAppWith(ctx, appOptions{})
}

func openAppWith(ctx context.Context, opts appOptions) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	cache := auth.NewCache(cfg.Dir())
	deviceID, err := cache.DeviceID()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}
	client := syncclient.New(cfg.Sync.URL, "", deviceID)

	online := opts.online
	if online == nil {
		online = func() bool { return false }
	}
	machine := auth.NewMachine(cache, client, store, auth.Config{
		ValidateTimeout: cfg.Auth.ValidateTimeout.D(),
		GracePeriod:     cfg.Auth.GracePeriod.D(),
		Online:          online,
	})

	a := &app{store: store, cache: cache, client: client, auth: machine}
	a.engine = spsync.NewEngine(store, spsync.NewHTTPRemote(client), spsync.Config{
		BatchSize:      cfg.Sync.BatchSize,
		PullLimit:      cfg.Sync.PullLimit,
		UserID:         a.userID,
		OnUnauthorized: opts.onUnauthorized,
	})
	machine.Boot(ctx)
	return a, nil
}

func (a *app) close() {
	a.auth.Wait()
	if err := a.store.Close(); err != nil {
		slog.Warn("app: close database", "err", err)
	}
}

// userID returns the signed-in user, or "".
func (a *app) userID() string {
	if cred := a.auth.Current().Credential; cred != nil {
		return cred.UserID
	}
	return ""
}

// requireUser returns the signed-in user or errNotLoggedIn.
func (a *app) requireUser() (string, error) {
	if id := a.userID(); id != "" {
		return id, nil
	}
	return "", errNotLoggedIn
}

// currency returns the user's display currency.
func (a *app) currency(ctx context.Context, userID string) string {
	s, err := a.store.GetSettings(ctx, userID)
	if err != nil {
		return ""
	}
	return s.Currency
}
