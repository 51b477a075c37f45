package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	_ "modernc.org/sqlite"
)

const dbFile = "spendbook.db"

// Sentinel errors returned by the store.
var (
	ErrNotFound      = errors.New("record not found")
	ErrUnknownTable  = errors.New("unknown table")
	ErrInvalidColumn = errors.New("invalid column")
	ErrValidation    = errors.New("validation failed")
	ErrSharesNot100  = errors.New("member shares must sum to 100")
)

// DB is the local persistent store. It is safe for concurrent use; writes
// from this process and from other processes sharing the data directory
// are serialized by a file lock.
type DB struct {
	conn     *sql.DB
	dataDir  string
	broker   *broker
	validate *validator.Validate

	// Now returns the current time; tests replace it.
	Now func() time.Time
}

// Open opens (creating if needed) the store in dataDir and applies the schema.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite", filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer, and transactions must not
	// wait on a second connection held by the same goroutine.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads from other processes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	db := Wrap(conn)
	db.dataDir = dataDir

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Wrap builds a store around an existing connection without touching the
// schema or taking file locks.
func Wrap(conn *sql.DB) *DB {
	return &DB{
		conn:     conn,
		broker:   newBroker(),
		validate: validator.New(),
		Now:      time.Now,
	}
}

func (db *DB) initSchema() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	v, err := db.GetSchemaVersion()
	if err != nil {
		return err
	}
	if v == 0 {
		if _, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
			strconv.Itoa(SchemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		slog.Debug("db: schema created", "version", SchemaVersion)
	}
	return nil
}

// GetSchemaVersion returns the schema version recorded in the database, 0 if none.
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", version, err)
	}
	return v, nil
}

// Close closes the database and ends all subscriptions.
func (db *DB) Close() error {
	db.broker.close()
	return db.conn.Close()
}

// DataDir returns the directory holding the database file.
func (db *DB) DataDir() string {
	return db.dataDir
}

// Conn returns the underlying *sql.DB for callers that run their own
// transactions (the sync engine). They must publish their changes with Notify.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) now() time.Time {
	return db.Now().UTC()
}

// withWriteLock executes fn while holding the cross-process write lock.
// Stores without a data directory (Wrap) skip the file lock.
func (db *DB) withWriteLock(fn func() error) error {
	if db.dataDir == "" {
		return fn()
	}
	locker := newWriteLocker(db.dataDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// WithTx runs fn inside a write-locked transaction. Changes recorded by the
// Tx are published to watchers after a successful commit.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return db.withRawTx(ctx, OriginLocal, func(sqlTx *sql.Tx) ([]Change, error) {
		tx := &Tx{tx: sqlTx, db: db}
		if err := fn(tx); err != nil {
			return nil, err
		}
		return tx.changes, nil
	})
}

// WithSQLTx runs fn inside a write-locked transaction on the raw *sql.Tx and
// publishes the returned changes with the given origin after commit.
func (db *DB) WithSQLTx(ctx context.Context, origin Origin, fn func(tx *sql.Tx) ([]Change, error)) error {
	return db.withRawTx(ctx, origin, fn)
}

func (db *DB) withRawTx(ctx context.Context, origin Origin, fn func(tx *sql.Tx) ([]Change, error)) error {
	var changes []Change
	err := db.withWriteLock(func() error {
		sqlTx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback()

		changes, err = fn(sqlTx)
		if err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.Notify(origin, changes...)
	return nil
}

// Validate runs struct validation tags on a model.
func (db *DB) Validate(v any) error {
	if err := db.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
