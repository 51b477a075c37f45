package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnauthorized reports that the remote authority rejected the session.
var ErrUnauthorized = errors.New("sync: unauthorized")

// ErrNoUser is returned when a cycle is requested with nobody signed in.
var ErrNoUser = errors.New("sync: no signed-in user")

// Record is one entity row exchanged with the remote authority. Data holds
// the shared columns as a JSON object; BaseToken is the token the local
// edit was made against (0 for a record the server has never seen).
type Record struct {
	Table     string
	ID        string
	SyncToken int64
	BaseToken int64
	DeletedAt *time.Time
	Data      json.RawMessage
}

// PushStatus is the remote authority's verdict on one pushed record.
type PushStatus string

const (
	StatusOK       PushStatus = "ok"
	StatusConflict PushStatus = "conflict"
	StatusRejected PushStatus = "rejected"
)

// PushResult is the outcome for one pushed record. On conflict Record is the
// authoritative version.
type PushResult struct {
	Table     string
	ID        string
	SyncToken int64
	Status    PushStatus
	Reason    string
	Record    *Record
}

// PullPage is one page of remote changes after a cursor.
type PullPage struct {
	Records  []Record
	MaxToken int64
	HasMore  bool
}

// Remote is the remote authority the engine reconciles against.
// Implementations wrap authentication failures with ErrUnauthorized.
type Remote interface {
	PushBatch(ctx context.Context, records []Record) ([]PushResult, error)
	PullSince(ctx context.Context, cursor int64, limit int) (PullPage, error)
}

// Mode selects the phases of a cycle.
type Mode int

const (
	ModeFull Mode = iota
	ModePushOnly
	ModePullOnly
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModePushOnly:
		return "push"
	case ModePullOnly:
		return "pull"
	}
	return "unknown"
}

// State is the engine's position in a cycle.
type State int

const (
	StateIdle State = iota
	StatePushing
	StatePulling
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Outcome aggregates one cycle. Per-record failures are counted, not returned.
type Outcome struct {
	Mode      Mode
	Pushed    int
	Conflicts int
	Failed    int
	Pulled    int
	Applied   int
	Skipped   int
	Cursor    int64
	Started   time.Time
	Duration  time.Duration
}

// Empty reports whether the cycle moved nothing in either direction.
func (o Outcome) Empty() bool {
	return o.Pushed == 0 && o.Conflicts == 0 && o.Failed == 0 && o.Applied == 0
}

type recordKey struct {
	table string
	id    string
}
