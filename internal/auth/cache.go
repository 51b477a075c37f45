// Package auth keeps the signed-in identity: a durable session cache read
// synchronously at startup and the state machine that validates it against
// the remote identity service.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const cacheFile = "session.json"

// Credential is the cached identity and the bearer token that proves it.
type Credential struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	ServerURL   string    `json:"server_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Usable reports whether c passes the structural check: an identity and an
// email are both present.
func (c *Credential) Usable() bool {
	return c != nil && c.UserID != "" && c.Email != ""
}

// Expired reports whether the token's own expiry has passed.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// FillFromToken copies sub, email and exp from a JWT access token into the
// fields of c that are still empty. The signature is not checked; the remote
// identity service is the authority. Opaque tokens are left alone.
func (c *Credential) FillFromToken() {
	if c.AccessToken == "" {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims); err != nil {
		return
	}
	if c.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			c.UserID = sub
		}
	}
	if c.Email == "" {
		if email, ok := claims["email"].(string); ok {
			c.Email = email
		}
	}
	if c.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			c.ExpiresAt = exp.UTC()
		}
	}
}

type cacheData struct {
	DeviceID   string      `json:"device_id"`
	Credential *Credential `json:"credential,omitempty"`
}

// Cache is the durable session cache: one JSON file, readable only by the
// owner. It is read from disk once and written through on every change.
type Cache struct {
	path string

	mu     sync.Mutex
	loaded bool
	data   cacheData
}

// NewCache returns the cache stored in dir.
func NewCache(dir string) *Cache {
	return &Cache{path: filepath.Join(dir, cacheFile)}
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Load returns the cached credential, or nil when there is none or it fails
// the structural check. Only the first call touches the disk.
func (c *Cache) Load() (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return nil, err
	}
	if !c.data.Credential.Usable() {
		return nil, nil
	}
	return c.data.Credential.clone(), nil
}

func (c *Cache) loadLocked() error {
	if c.loaded {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		c.loaded = true
		return nil
	case err != nil:
		return fmt.Errorf("read session cache: %w", err)
	}
	var d cacheData
	if err := json.Unmarshal(raw, &d); err != nil {
		// A corrupt cache is the same as no session; keep nothing from it.
		slog.Warn("auth: discard unreadable session cache", "path", c.path, "err", err)
		d = cacheData{}
	}
	c.data = d
	c.loaded = true
	return nil
}

// Store replaces the cached credential and writes it to disk.
func (c *Cache) Store(cred *Credential) error {
	if !cred.Usable() {
		return fmt.Errorf("%w: credential needs a user id and an email", ErrNoCredential)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return err
	}
	next := c.data
	next.Credential = cred.clone()
	if next.DeviceID == "" {
		next.DeviceID = uuid.NewString()
	}
	if err := c.write(next); err != nil {
		return err
	}
	c.data = next
	return nil
}

// Clear removes the credential. The device id survives sign-out.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return err
	}
	next := cacheData{DeviceID: c.data.DeviceID}
	if next.DeviceID == "" {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session cache: %w", err)
		}
		c.data = next
		return nil
	}
	if err := c.write(next); err != nil {
		return err
	}
	c.data = next
	return nil
}

// DeviceID returns this installation's id, generating and persisting one
// on first use.
func (c *Cache) DeviceID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return "", err
	}
	if c.data.DeviceID != "" {
		return c.data.DeviceID, nil
	}
	next := c.data
	next.DeviceID = uuid.NewString()
	if err := c.write(next); err != nil {
		return "", err
	}
	c.data = next
	return next.DeviceID, nil
}

// write saves d atomically with owner-only permissions.
func (c *Cache) write(d cacheData) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, c.path)
}
