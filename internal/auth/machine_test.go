package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/spendbook/internal/syncclient"
)

type fakeSession struct {
	mu       sync.Mutex
	token    string
	calls    atomic.Int32
	logouts  atomic.Int32
	validate func(ctx context.Context, token string) (*syncclient.SessionResponse, error)
}

func (f *fakeSession) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeSession) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeSession) ValidateSession(ctx context.Context) (*syncclient.SessionResponse, error) {
	f.calls.Add(1)
	if f.validate == nil {
		return &syncclient.SessionResponse{Valid: true}, nil
	}
	return f.validate(ctx, f.Token())
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.logouts.Add(1)
	return nil
}

type fakeStore struct{ cleared atomic.Int32 }

func (s *fakeStore) ClearAll(ctx context.Context) error {
	s.cleared.Add(1)
	return nil
}

func cachedCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache(t.TempDir())
	if err := c.Store(&Credential{AccessToken: "tok-1", UserID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	return NewCache(dirOf(c))
}

func dirOf(c *Cache) string {
	return c.path[:len(c.path)-len(cacheFile)-1]
}

func offline() bool { return false }

func TestBootOfflineMakesNoCall(t *testing.T) {
	remote := &fakeSession{}
	m := NewMachine(cachedCache(t), remote, nil, Config{Online: offline})

	snap := m.Boot(context.Background())
	m.Wait()
	if snap.State != StateOfflineCached || !snap.Offline {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Credential == nil || snap.Credential.UserID != "u1" {
		t.Fatalf("cached identity not exposed: %+v", snap.Credential)
	}
	if remote.calls.Load() != 0 {
		t.Fatalf("validate called %d times while offline", remote.calls.Load())
	}
}

func TestBootOfflineOverHTTPMakesNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := syncclient.New(srv.URL, "", "dev")
	m := NewMachine(cachedCache(t), client, nil, Config{Online: offline})
	if snap := m.Boot(context.Background()); !snap.Authenticated() {
		t.Fatal("expected cached identity")
	}
	m.Wait()
	if hits.Load() != 0 {
		t.Fatalf("server saw %d requests", hits.Load())
	}
	if client.Token() != "tok-1" {
		t.Errorf("client token = %q", client.Token())
	}
}

func TestBootWithoutCache(t *testing.T) {
	remote := &fakeSession{}
	m := NewMachine(NewCache(t.TempDir()), remote, nil, Config{})
	snap := m.Boot(context.Background())
	m.Wait()
	if snap.State != StateUnauthenticated || snap.Authenticated() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if remote.calls.Load() != 0 {
		t.Fatal("nothing to validate without a credential")
	}
}

func TestBootReturnsBeforeValidation(t *testing.T) {
	release := make(chan struct{})
	remote := &fakeSession{validate: func(ctx context.Context, _ string) (*syncclient.SessionResponse, error) {
		<-release
		return &syncclient.SessionResponse{Valid: true, UserID: "u1", Email: "a@example.com"}, nil
	}}
	m := NewMachine(cachedCache(t), remote, nil, Config{ValidateTimeout: time.Second})

	snap := m.Boot(context.Background())
	if !snap.Authenticated() || !snap.Unconfirmed {
		t.Fatalf("boot should expose the cached identity before validation: %+v", snap)
	}
	if snap.Offline {
		t.Errorf("validation in flight while online flagged offline: %+v", snap)
	}
	close(release)
	m.Wait()
	if m.State() != StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", m.State())
	}
	if snap := m.Current(); snap.Offline || snap.Unconfirmed {
		t.Errorf("confirmed session still flagged: %+v", snap)
	}
}

func TestValidationReplacesIdentity(t *testing.T) {
	cache := cachedCache(t)
	remote := &fakeSession{validate: func(ctx context.Context, _ string) (*syncclient.SessionResponse, error) {
		return &syncclient.SessionResponse{Valid: true, UserID: "u1", Email: "new@example.com"}, nil
	}}
	m := NewMachine(cache, remote, nil, Config{})
	m.Boot(context.Background())
	m.Wait()

	if got := m.Current().Credential.Email; got != "new@example.com" {
		t.Fatalf("email = %q", got)
	}
	reloaded, _ := NewCache(dirOf(cache)).Load()
	if reloaded.Email != "new@example.com" {
		t.Errorf("identity change not written through: %+v", reloaded)
	}
}

func TestValidationTimeoutIsOffline(t *testing.T) {
	remote := &fakeSession{validate: func(ctx context.Context, _ string) (*syncclient.SessionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := NewMachine(cachedCache(t), remote, nil, Config{ValidateTimeout: 20 * time.Millisecond})
	m.Boot(context.Background())
	m.Wait()

	snap := m.Current()
	if snap.State != StateOfflineCached || !snap.Offline || snap.Credential == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestInvalidSessionCountdownSignsOut(t *testing.T) {
	remote := &fakeSession{validate: func(ctx context.Context, _ string) (*syncclient.SessionResponse, error) {
		return nil, fmt.Errorf("validate: %w", syncclient.ErrUnauthorized)
	}}
	store := &fakeStore{}
	cache := cachedCache(t)
	m := NewMachine(cache, remote, store, Config{GracePeriod: 30 * time.Millisecond})

	signedOut := make(chan struct{})
	m.OnChange(func(from, to State) {
		if to == StateUnauthenticated {
			close(signedOut)
		}
	})
	m.Boot(context.Background())
	m.Wait()
	if snap := m.Current(); snap.State != StateExpiring || snap.SignOutAt.IsZero() {
		t.Fatalf("snapshot = %+v, want a pending countdown", snap)
	}

	select {
	case <-signedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown never signed out")
	}
	if store.cleared.Load() != 1 {
		t.Errorf("local store cleared %d times", store.cleared.Load())
	}
	if remote.logouts.Load() != 1 {
		t.Errorf("remote logout called %d times", remote.logouts.Load())
	}
	if got, _ := NewCache(dirOf(cache)).Load(); got != nil {
		t.Errorf("cache not cleared: %+v", got)
	}
	if remote.Token() != "" {
		t.Error("token kept after sign-out")
	}
}

func TestCancelExpiryKeepsSession(t *testing.T) {
	store := &fakeStore{}
	m := NewMachine(cachedCache(t), &fakeSession{}, store, Config{Online: offline, GracePeriod: 50 * time.Millisecond})
	m.Boot(context.Background())

	m.SessionInvalid(context.Background())
	if m.State() != StateExpiring {
		t.Fatalf("state = %s", m.State())
	}
	if !m.CancelExpiry() {
		t.Fatal("CancelExpiry reported nothing to cancel")
	}
	time.Sleep(120 * time.Millisecond)

	if store.cleared.Load() != 0 {
		t.Fatal("cancelled countdown still wiped the store")
	}
	if snap := m.Current(); snap.State != StateCached || snap.Credential == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
	if m.CancelExpiry() {
		t.Error("second CancelExpiry should be a no-op")
	}
}

func TestOnlineRevalidates(t *testing.T) {
	remote := &fakeSession{}
	m := NewMachine(cachedCache(t), remote, nil, Config{Online: offline})
	m.Boot(context.Background())

	m.Online(context.Background())
	m.Wait()
	if remote.calls.Load() != 1 || m.State() != StateAuthenticated {
		t.Fatalf("calls=%d state=%s", remote.calls.Load(), m.State())
	}

	m.Offline()
	if snap := m.Current(); snap.State != StateOfflineCached || !snap.Offline {
		t.Fatalf("after Offline: %+v", snap)
	}
}

func TestLogin(t *testing.T) {
	remote := &fakeSession{validate: func(ctx context.Context, token string) (*syncclient.SessionResponse, error) {
		if token != "good" {
			return nil, fmt.Errorf("validate: %w", syncclient.ErrUnauthorized)
		}
		return &syncclient.SessionResponse{Valid: true, UserID: "u9", Email: "u9@example.com"}, nil
	}}
	cache := NewCache(t.TempDir())
	m := NewMachine(cache, remote, nil, Config{})
	m.Boot(context.Background())

	if _, err := m.Login(context.Background(), Credential{AccessToken: "bad"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if m.State() != StateUnauthenticated || remote.Token() != "" {
		t.Fatalf("failed login changed state: %s token=%q", m.State(), remote.Token())
	}

	snap, err := m.Login(context.Background(), Credential{AccessToken: "good"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if snap.State != StateAuthenticated || snap.Credential.UserID != "u9" {
		t.Fatalf("snapshot = %+v", snap)
	}
	reloaded, _ := NewCache(dirOf(cache)).Load()
	if reloaded == nil || reloaded.Email != "u9@example.com" {
		t.Fatalf("login not written through: %+v", reloaded)
	}
}

func TestSignOutWithoutNetwork(t *testing.T) {
	remote := &fakeSession{}
	store := &fakeStore{}
	m := NewMachine(cachedCache(t), remote, store, Config{Online: offline})
	m.Boot(context.Background())

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if m.State() != StateUnauthenticated || m.Current().Authenticated() {
		t.Fatalf("state = %s", m.State())
	}
	if store.cleared.Load() != 1 {
		t.Fatal("store not wiped")
	}
}
