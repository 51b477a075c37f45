package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName   = "spendbook.lock"
	defaultTimeout = 5 * time.Second
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 100 * time.Millisecond
)

// ErrLockTimeout is returned when another process holds the write lock past
// the timeout.
var ErrLockTimeout = errors.New("write lock timeout")

// writeLocker serializes writers across processes sharing one data
// directory (the CLI and the daemon). The OS drops the lock when the
// holder exits, crashes included.
type writeLocker struct {
	path string
	file *os.File
}

func newWriteLocker(dataDir string) *writeLocker {
	return &writeLocker{path: filepath.Join(dataDir, lockFileName)}
}

// acquire takes the exclusive lock, retrying with capped exponential backoff
// until timeout.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.stamp()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.holder()
			l.file.Close()
			l.file = nil
			return fmt.Errorf("%w after %v (holder %s)", ErrLockTimeout, timeout, holder)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *writeLocker) release() {
	if l.file == nil {
		return
	}
	l.file.Truncate(0)
	l.unlock()
	l.file.Close()
	l.file = nil
}

// stamp records the holder pid for diagnostics.
func (l *writeLocker) stamp() {
	l.file.Truncate(0)
	l.file.Seek(0, 0)
	fmt.Fprintf(l.file, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}

func (l *writeLocker) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return "unknown"
	}
	pid, err := strconv.Atoi(fields[0])
	if err == nil && !isProcessAlive(pid) {
		return fmt.Sprintf("pid %d since %s, stale", pid, fields[1])
	}
	return fmt.Sprintf("pid %s since %s", fields[0], fields[1])
}
