package mycelia

import (
	"context"
	"time"
)

// ArgSchema documents a node's calling convention (§3): how many leading
// arguments are positional-only, which names are keyword-only, and whether
// the node accepts a trailing variadic positional or keyword catch-all. It
// is descriptive rather than strictly enforced — Mycelia does not reject a
// call for using unknown keyword names when the node declares a variadic
// keyword catch-all.
type ArgSchema struct {
	PositionalOnly  int
	KeywordOnly     []string
	Variadic        bool
	VariadicKeyword bool
}

// validate applies the light-weight arity checks ArgSchema can make without
// knowledge of the node body: a fixed-arity node (no Variadic) that declares
// PositionalOnly > 0 never accepts more positional arguments than it
// declared. A PositionalOnly of 0 leaves the positional count unchecked.
func (s ArgSchema) validate(args Args) error {
	if !s.Variadic && s.PositionalOnly > 0 && len(args) > s.PositionalOnly {
		return &CallError{
			Code:    CodeNodeExecutionFailure,
			Message: "too many positional arguments for node's fixed arity",
		}
	}
	return nil
}

// Body is the node's executable procedure. It receives the per-call Context
// (for submitting background work and honoring cancellation) and the fully
// materialized positional/keyword arguments (dependency Refs already
// resolved to their literal results). Its return value is either:
//   - (value, nil): the call resolves to value.
//   - (*Call, nil): a tail call — the call forwards to the returned deferred
//     call instead of running locally (§4.5 continuation resolution).
//   - (nil, err): the call fails with err (wrapped as NodeExecutionFailure
//     unless err is already a *CallError).
type Body func(ctx *Context, args []any, kwargs map[string]any) (any, error)

// Node is a named, registered procedure within a Graph.
type Node struct {
	graph  *Graph
	Name   string
	Schema ArgSchema
	body   Body
}

// Ref returns the node's fully-qualified reference.
func (n *Node) Ref() NodeRef { return NodeRef{GraphID: n.graph.ID, NodeName: n.Name} }

// Invoke builds a deferred Call for one invocation of this node with the
// given arguments, running the Argument Tree Walker and computing the call's
// content-hash identity (§4.1, §4.2). It does not register the call with any
// scheduler — that happens lazily, the first time the call (or something
// that references it) is passed to Session.Execute, Context.Submit, or
// discovered while walking another call's arguments.
func (n *Node) Invoke(args Args, kwargs KWArgs) (*Call, error) {
	if err := n.Schema.validate(args); err != nil {
		return nil, err
	}
	argSlots, kwSlots, children, err := walkArgTree(args, kwargs)
	if err != nil {
		return nil, err
	}
	ref := n.Ref()
	id, err := computeCallID(ref, argSlots, kwSlots, n.graph.codec)
	if err != nil {
		return nil, err
	}
	return &Call{
		ID:       id,
		NodeRef:  ref,
		Args:     argSlots,
		Kwargs:   kwSlots,
		children: children,
	}, nil
}

// Context is the handle a Node's Body executes with. It embeds
// context.Context for cancellation/deadlines and adds the Mycelia-specific
// operation of submitting background work (§4.5 background submission).
type Context struct {
	context.Context
	session *Session
	callID  string
}

// CallID returns the id of the call currently executing in this Context.
func (c *Context) CallID() string { return c.callID }

// SubmitAck acknowledges that a background-submitted call has been
// registered with the session's scheduler. It carries nothing beyond the id
// and registration time:
// per the Open Question resolution in SPEC_FULL.md §F, Submit never hands
// back a reusable call handle — callers that need to depend on a submitted
// call must retain the *Call value they built before submitting it.
type SubmitAck struct {
	CallID     string
	EnqueuedAt time.Time
}

// Submit registers call without adding a dependency edge from the
// currently-executing call (§4.5 background submission): the caller's own
// resolution does not wait on it. Submit returns once the call is registered
// and its record written to the store, not once it completes. Publication to
// the broker is not done when Submit returns: a READY call is published by a
// background goroutine (retried with backoff), and a call with unresolved
// dependencies is published only once they resolve.
func (c *Context) Submit(call *Call) (SubmitAck, error) {
	if c.session.closed() {
		return SubmitAck{}, ErrSessionCancelled
	}
	rec, err := c.session.scheduler.register(call)
	if err != nil {
		return SubmitAck{}, err
	}
	return SubmitAck{CallID: rec.ID, EnqueuedAt: time.Now()}, nil
}
