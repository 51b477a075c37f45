// Package syncharness is an in-process remote authority for sync tests: a
// record log with server-assigned tokens, last-writer-wins push, paged
// pull, and a session table for the identity endpoints.
package syncharness

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/spendbook/internal/db"
	spsync "github.com/marcus/spendbook/internal/sync"
)

const serverSchema = `
CREATE TABLE IF NOT EXISTS records (
    token       INTEGER PRIMARY KEY AUTOINCREMENT,
    tbl         TEXT NOT NULL,
    id          TEXT NOT NULL,
    deleted_at  TEXT,
    data        TEXT NOT NULL,
    written_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(tbl, id)
);
`

// Identity is a signed-in user known to the fake identity service.
type Identity struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Server is the fake remote authority. It implements sync.Remote directly
// and serves the same contract over HTTP via Handler.
type Server struct {
	db *sql.DB
	mu sync.Mutex // serializes writes (SQLite single writer)

	sessMu   sync.Mutex
	sessions map[string]Identity

	faultMu  sync.Mutex
	pushErr  error
	pullErr  error
	rejected map[string]string
	// pushLimit, when > 0, makes the next push answer only that many
	// records before failing the rest of the request.
	pushLimit int

	PushCalls atomic.Int64
	PullCalls atomic.Int64
}

// NewServer opens a fresh in-memory record log. name keeps concurrent
// tests apart.
func NewServer(name string) (*Server, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name))
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(serverSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init server schema: %w", err)
	}
	return &Server{db: conn, sessions: make(map[string]Identity), rejected: make(map[string]string)}, nil
}

// Close releases the record log.
func (s *Server) Close() error {
	return s.db.Close()
}

// FailPush makes every push fail with err until cleared with nil.
func (s *Server) FailPush(err error) {
	s.faultMu.Lock()
	s.pushErr = err
	s.faultMu.Unlock()
}

// FailPull makes every pull fail with err until cleared with nil.
func (s *Server) FailPull(err error) {
	s.faultMu.Lock()
	s.pullErr = err
	s.faultMu.Unlock()
}

// Reject makes pushes of the record id answer "rejected" with reason.
func (s *Server) Reject(id, reason string) {
	s.faultMu.Lock()
	s.rejected[id] = reason
	s.faultMu.Unlock()
}

// CutPushAfter makes the next push process n records and then fail.
func (s *Server) CutPushAfter(n int) {
	s.faultMu.Lock()
	s.pushLimit = n
	s.faultMu.Unlock()
}

// ErrConnection is what injected network faults look like.
var ErrConnection = errors.New("connection refused")

// PushBatch implements sync.Remote. A record whose base token differs from
// the current token conflicts and gets the stored version back; anything
// else is written under a fresh token.
func (s *Server) PushBatch(ctx context.Context, records []spsync.Record) ([]spsync.PushResult, error) {
	s.PushCalls.Add(1)
	s.faultMu.Lock()
	pushErr, limit := s.pushErr, s.pushLimit
	s.pushLimit = 0
	s.faultMu.Unlock()
	if pushErr != nil {
		return nil, pushErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]spsync.PushResult, 0, len(records))
	for i, rec := range records {
		if limit > 0 && i >= limit {
			// The server committed what it processed; the client never hears.
			return nil, fmt.Errorf("push cut after %d records: %w", limit, ErrConnection)
		}
		res, err := s.pushOne(ctx, rec)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Server) pushOne(ctx context.Context, rec spsync.Record) (spsync.PushResult, error) {
	res := spsync.PushResult{Table: rec.Table, ID: rec.ID}

	s.faultMu.Lock()
	reason, reject := s.rejected[rec.ID]
	s.faultMu.Unlock()
	if !reject && (!db.IsSyncTable(rec.Table) || rec.ID == "") {
		reject, reason = true, "unknown entity"
	}
	if reject {
		res.Status, res.Reason = spsync.StatusRejected, reason
		return res, nil
	}

	current, err := s.get(ctx, rec.Table, rec.ID)
	if err != nil {
		return res, err
	}
	if current != nil && current.SyncToken != rec.BaseToken {
		res.Status = spsync.StatusConflict
		res.SyncToken = current.SyncToken
		res.Record = current
		return res, nil
	}

	token, err := s.write(ctx, rec)
	if err != nil {
		return res, err
	}
	res.Status, res.SyncToken = spsync.StatusOK, token
	return res, nil
}

// PullSince implements sync.Remote.
func (s *Server) PullSince(ctx context.Context, cursor int64, limit int) (spsync.PullPage, error) {
	s.PullCalls.Add(1)
	s.faultMu.Lock()
	pullErr := s.pullErr
	s.faultMu.Unlock()
	if pullErr != nil {
		return spsync.PullPage{}, pullErr
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT token, tbl, id, deleted_at, data FROM records WHERE token > ? ORDER BY token ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return spsync.PullPage{}, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	page := spsync.PullPage{MaxToken: cursor}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return page, err
		}
		page.Records = append(page.Records, rec)
		page.MaxToken = rec.SyncToken
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("rows iteration: %w", err)
	}
	page.HasMore = len(page.Records) == limit
	return page, nil
}

// Put writes a record as another device would, returning its token.
func (s *Server) Put(ctx context.Context, table, id string, data map[string]any, deletedAt *time.Time) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, spsync.Record{Table: table, ID: id, DeletedAt: deletedAt, Data: raw})
}

// Get returns the stored version of a record, nil if absent.
func (s *Server) Get(ctx context.Context, table, id string) (*spsync.Record, error) {
	return s.get(ctx, table, id)
}

// Count returns the number of records stored.
func (s *Server) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

func (s *Server) get(ctx context.Context, table, id string) (*spsync.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, tbl, id, deleted_at, data FROM records WHERE tbl = ? AND id = ?`, table, id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// write stores rec under a new token. Delete-then-insert moves the row to
// the end of the AUTOINCREMENT sequence, so tokens only grow.
func (s *Server) write(ctx context.Context, rec spsync.Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, rec.Table, rec.ID); err != nil {
		return 0, fmt.Errorf("replace %s/%s: %w", rec.Table, rec.ID, err)
	}
	var deleted any
	if rec.DeletedAt != nil {
		deleted = rec.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (tbl, id, deleted_at, data) VALUES (?, ?, ?, ?)`,
		rec.Table, rec.ID, deleted, string(rec.Data))
	if err != nil {
		return 0, fmt.Errorf("insert %s/%s: %w", rec.Table, rec.ID, err)
	}
	token, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	slog.Debug("syncharness: record written", "table", rec.Table, "id", rec.ID, "token", token)
	return token, nil
}

func scanRecord(rows *sql.Rows) (spsync.Record, error) {
	var rec spsync.Record
	var deleted sql.NullString
	var data string
	if err := rows.Scan(&rec.SyncToken, &rec.Table, &rec.ID, &deleted, &data); err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Data = json.RawMessage(data)
	if deleted.Valid {
		t, err := time.Parse(time.RFC3339Nano, deleted.String)
		if err != nil {
			return rec, fmt.Errorf("parse deleted_at: %w", err)
		}
		rec.DeletedAt = &t
	}
	return rec, nil
}

// AddSession registers a bearer token for the identity endpoints.
func (s *Server) AddSession(token string, id Identity) {
	s.sessMu.Lock()
	s.sessions[token] = id
	s.sessMu.Unlock()
}

// RevokeSession invalidates a bearer token.
func (s *Server) RevokeSession(token string) {
	s.sessMu.Lock()
	delete(s.sessions, token)
	s.sessMu.Unlock()
}

func (s *Server) session(token string) (Identity, bool) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	id, ok := s.sessions[token]
	return id, ok
}
