// Package store defines the abstract StorageAdapter boundary (§4.9, §6
// persisted-state layout) and ships three reference implementations:
// MemStore (in-process), SQLiteStore and MySQLStore (both real SQL backends,
// reusing the drivers the teacher's own Store[S] implementations use).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetCall/GetResult when no record exists for the
// given id.
var ErrNotFound = errors.New("store: not found")

// Outcome mirrors a call's persisted lifecycle status (§3, §6).
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeReady
	OutcomeRunning
	OutcomeResolved
	OutcomeFailed
	OutcomeForward
)

// CallRecord is the persisted row backing one call (§6: the "call" table —
// primary key call-id; columns node_ref, args_blob, kwargs_blob, status,
// result_blob, created_at, updated_at).
type CallRecord struct {
	ID         string
	GraphID    string
	NodeName   string
	ArgsBlob   []byte
	KwargsBlob []byte
	Status     Outcome
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StatusPayload carries the terminal data written alongside a status
// transition: a result blob for OutcomeResolved, a forward target id for
// OutcomeForward, or an error blob for OutcomeFailed.
type StatusPayload struct {
	ResultBlob []byte
	ForwardID  string
	ErrorBlob  []byte
}

// StorageAdapter is the abstract durability boundary (§4.9). Implementations
// must make CompareAndSwapStatus atomic: exactly one caller's CAS from a
// given `from` status succeeds, which is what lets a redelivered claim's
// late, duplicate completion be safely discarded (§5, §8 property 6).
type StorageAdapter interface {
	PutCall(ctx context.Context, rec CallRecord) error
	GetCall(ctx context.Context, id string) (CallRecord, error)

	// CompareAndSwapStatus transitions id's status from `from` to `to`,
	// atomically persisting payload. applied is false, with a nil error, if
	// the stored status did not match `from` (another writer already settled
	// it) — the caller must treat this as a no-op, not a failure.
	CompareAndSwapStatus(ctx context.Context, id string, from, to Outcome, payload StatusPayload) (applied bool, err error)

	// GetResult returns the terminal payload for id: a result blob when
	// Outcome is OutcomeResolved, a forward id when OutcomeForward, an error
	// blob when OutcomeFailed, or ErrNotFound if id is unknown.
	GetResult(ctx context.Context, id string) (status Outcome, resultBlob []byte, forwardID string, errorBlob []byte, err error)
}
