// Package broker defines the abstract distribution boundary between a
// Mycelia scheduler and the executors that claim and run ready calls (§4.8).
// A concrete Broker only needs to guarantee at-least-once delivery and FIFO
// ordering within a partition; it never inspects call payloads.
package broker

import (
	"context"
	"time"
)

// Outcome classifies how a claimed call finished executing.
type Outcome int

const (
	OutcomeResolved Outcome = iota
	OutcomeContinuation
	OutcomeFailed
)

// CompletionEvent is what an executor reports back after running a claimed
// call. Exactly one of Value, Continuation, Err is meaningful, selected by
// Outcome.
type CompletionEvent struct {
	CallID       string
	Outcome      Outcome
	Value        any
	Continuation ContinuationCall
	Err          error
}

// ContinuationCall is the wire-shape a Broker needs to carry a tail-call
// continuation back to the scheduler: enough of the new call's identity and
// argument tree to register it, plus its own nested continuations, without
// requiring the scheduler to share memory with the executor that built it.
type ContinuationCall struct {
	ID       string
	GraphID  string
	NodeName string
	Args     []ArgSlot
	Kwargs   map[string]ArgSlot
	Children []ContinuationCall
}

// ArgSlot is the broker-transport form of a call's argument slot.
type ArgSlot struct {
	IsRef bool
	Value any
	Ref   string
}

// Claim is the lease an executor holds on a claimed call while it runs.
type Claim struct {
	CallID     string
	Partition  string
	ExpiresAt  time.Time
	RedeliverN int
}

// Broker is the abstract publish/claim/ack contract (§4.8). Publish enqueues
// a READY call for execution; Claim hands one to an available executor with
// a visibility timeout, after which an un-acked claim is eligible for
// redelivery (at-least-once). PublishCompletion/SubscribeCompletions form
// the separate return channel executors use to report outcomes back to the
// scheduler, so the scheduler never needs a direct connection to executors.
type Broker interface {
	Publish(ctx context.Context, callID string, partition string) error
	Claim(ctx context.Context, visibilityTimeout time.Duration) (Claim, bool, error)
	Ack(ctx context.Context, claim Claim) error
	Nack(ctx context.Context, claim Claim) error

	PublishCompletion(ctx context.Context, event CompletionEvent) error
	SubscribeCompletions(ctx context.Context) (<-chan CompletionEvent, error)

	// Close releases resources and unblocks any pending Claim/Subscribe calls.
	Close() error
}

// DepthReporter is an optional Broker capability: a broker that can report
// its own ready-queue depth implements it, and a Session samples it into its
// ready-queue-depth gauge when present.
type DepthReporter interface {
	ReadyDepth() int
}
