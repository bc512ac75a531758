package mycelia

import (
	"context"
	"sync"

	"github.com/myceliarun/mycelia/mycelia/broker"
	"github.com/myceliarun/mycelia/mycelia/emit"
	"github.com/myceliarun/mycelia/mycelia/store"
)

// callRecord is the scheduler's in-memory view of one call's lifecycle
// state (§3, §4.5). It is the generalization of the teacher's WorkItem —
// instead of a queued unit of graph-walk work keyed by a structural
// OrderKey, it is a durable, content-addressed node in the call DAG, shared
// by every reference to the same (node, args) pair.
type callRecord struct {
	ID      string
	NodeRef NodeRef
	Args    []Slot
	Kwargs  map[string]Slot

	Status    Status
	ForwardTo string
	Result    any
	Err       *CallError

	pendingDeps map[string]struct{}
	dependents  map[string]struct{}
	termWaiters []chan struct{}
}

// Scheduler is the state-machine authority for one Session's call DAG
// (§4.5). It owns registration (structural sharing / dedup), dependency
// tracking, continuation (tail-call) forwarding, and eager failure
// propagation. It never executes a node body itself — that is the
// Executor's job, reached only through the Broker.
type Scheduler struct {
	graph   *Graph
	broker  broker.Broker
	store   store.StorageAdapter
	emitter emit.Emitter
	metrics *Metrics
	codec   Codec

	sessionID   string
	ctx         context.Context
	retryPolicy *RetryPolicy

	mu    sync.Mutex
	calls map[string]*callRecord
}

func newScheduler(ctx context.Context, sessionID string, g *Graph, opts Options) *Scheduler {
	return &Scheduler{
		graph:       g,
		broker:      opts.Broker,
		store:       opts.Store,
		emitter:     opts.Emitter,
		metrics:     opts.Metrics,
		codec:       opts.Codec,
		sessionID:   sessionID,
		ctx:         ctx,
		retryPolicy: opts.RetryPolicy,
		calls:       make(map[string]*callRecord),
	}
}

// register implements the DAG Builder (§4.4): recursively register call's
// children (post-order), compute the dependency set, and insert (or return
// the existing, structurally-shared) record. A dependency that is already
// FAILED at registration time fails this call eagerly, without ever running
// it (§7).
func (s *Scheduler) register(call *Call) (*callRecord, error) {
	s.mu.Lock()
	if rec, ok := s.calls[call.ID]; ok {
		s.mu.Unlock()
		s.metrics.IncDedupHit()
		return rec, nil
	}
	s.mu.Unlock()

	childIDs := make([]string, 0, len(call.children))
	seen := make(map[string]bool, len(call.children))
	for _, child := range call.children {
		childRec, err := s.register(child)
		if err != nil {
			return nil, err
		}
		if !seen[childRec.ID] {
			seen[childRec.ID] = true
			childIDs = append(childIDs, childRec.ID)
		}
	}

	s.mu.Lock()
	if rec, ok := s.calls[call.ID]; ok {
		s.mu.Unlock()
		s.metrics.IncDedupHit()
		return rec, nil
	}

	rec := &callRecord{
		ID:          call.ID,
		NodeRef:     call.NodeRef,
		Args:        call.Args,
		Kwargs:      call.Kwargs,
		Status:      Pending,
		pendingDeps: make(map[string]struct{}),
		dependents:  make(map[string]struct{}),
	}
	s.calls[rec.ID] = rec

	var failedDep *callRecord
	for _, cid := range childIDs {
		// A dependency registered earlier may since have tail-call-forwarded
		// one or more hops (continueTo nils its dependents once it forwards,
		// per §4.5 continuation resolution); chase the chain to the call
		// that is actually still live (or terminal) before deciding, the
		// same way cachedResult does, so the new edge attaches to the
		// record that will really settle it rather than a stale forwarding
		// id whose dependents map is gone.
		dep := s.calls[cid]
		for dep.Status == Resolved && dep.ForwardTo != "" {
			dep = s.calls[dep.ForwardTo]
		}
		switch {
		case dep.Status == Resolved && dep.ForwardTo == "":
			// Already terminal-resolved; no edge needed.
		case dep.Status == Failed:
			failedDep = dep
		default:
			rec.pendingDeps[dep.ID] = struct{}{}
			dep.dependents[rec.ID] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.persistCall(rec) // always persisted PENDING first, so the CAS below has a row to transition from

	if failedDep != nil {
		s.mu.Lock()
		rec.Status = Failed
		rec.Err = &CallError{
			Code:   CodeDependencyFailed,
			CallID: rec.ID,
			DepID:  failedDep.ID,
			Cause:  failedDep.Err,
		}
		s.mu.Unlock()
		s.metrics.IncDependencyFailure()
		s.persistOutcome(rec.ID, store.OutcomeFailed, store.StatusPayload{ErrorBlob: s.encodeErr(rec.Err)})
		s.emit(rec.ID, rec.NodeRef.NodeName, "call_failed", map[string]any{"reason": "dependency_failed"})
		return rec, nil
	}

	s.mu.Lock()
	ready := len(rec.pendingDeps) == 0
	if ready {
		rec.Status = Ready
	}
	s.mu.Unlock()

	s.emit(rec.ID, rec.NodeRef.NodeName, "call_registered", nil)
	if ready {
		s.persistOutcome(rec.ID, store.OutcomeReady, store.StatusPayload{})
		s.publishReady(rec.ID)
	}
	return rec, nil
}

// markRunning transitions a claimed call to RUNNING. Returns nil if the call
// is unknown or already terminal (a late redelivery of a settled call). A
// call that is already RUNNING (a redelivered claim racing the original) is
// returned again; the terminal CAS in casOutcome decides which completion
// counts.
func (s *Scheduler) markRunning(callID string) *callRecord {
	s.mu.Lock()
	rec, ok := s.calls[callID]
	if !ok || rec.Status == Resolved || rec.Status == Failed {
		s.mu.Unlock()
		return nil
	}
	rec.Status = Running
	s.mu.Unlock()

	s.metrics.IncInflight()
	// Best-effort: advances storage's status so the terminal CAS below has
	// something to transition away from. Its own result is not gated on —
	// a redelivered claim racing a still-running original finds storage
	// already RUNNING and simply no-ops here; the real arbitration point is
	// the RUNNING -> terminal CAS in casOutcome.
	_, _ = s.store.CompareAndSwapStatus(s.ctx, callID, store.OutcomeReady, store.OutcomeRunning, store.StatusPayload{})
	return rec
}

// cachedResult returns a dependency's in-memory result if this scheduler
// already holds it, following forward aliases to the terminal value.
func (s *Scheduler) cachedResult(id string) (any, *CallError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[id]
	if !ok {
		return nil, nil, false
	}
	for rec.Status == Resolved && rec.ForwardTo != "" {
		next, ok := s.calls[rec.ForwardTo]
		if !ok {
			return nil, nil, false
		}
		rec = next
	}
	switch rec.Status {
	case Resolved:
		return rec.Result, nil, true
	case Failed:
		return nil, rec.Err, true
	default:
		return nil, nil, false
	}
}

// settleResolved marks callID as RESOLVED with a literal value and cascades
// to dependents and forward-waiters.
func (s *Scheduler) settleResolved(callID string, value any) {
	applied, err := s.casOutcome(callID, store.OutcomeResolved, store.StatusPayload{ResultBlob: s.encodeValue(value)})
	if err != nil || !applied {
		return
	}

	s.mu.Lock()
	rec := s.calls[callID]
	rec.Status = Resolved
	rec.Result = value
	deps, waiters := rec.dependents, rec.termWaiters
	rec.dependents, rec.termWaiters = nil, nil
	s.mu.Unlock()

	s.metrics.DecInflight()
	s.emit(callID, rec.NodeRef.NodeName, "call_resolved", nil)
	s.fireWaiters(waiters)
	s.advance(deps, callID, nil)
}

// settleFailed marks callID as FAILED and cascades failure to dependents
// and forward-waiters (§7: failures propagate transitively and eagerly).
func (s *Scheduler) settleFailed(callID string, callErr *CallError) {
	applied, err := s.casOutcome(callID, store.OutcomeFailed, store.StatusPayload{ErrorBlob: s.encodeErr(callErr)})
	if err != nil || !applied {
		return
	}

	s.mu.Lock()
	rec := s.calls[callID]
	rec.Status = Failed
	rec.Err = callErr
	deps, waiters := rec.dependents, rec.termWaiters
	rec.dependents, rec.termWaiters = nil, nil
	s.mu.Unlock()

	s.metrics.DecInflight()
	s.emit(callID, rec.NodeRef.NodeName, "call_failed", map[string]any{"error": callErr.Error()})
	s.fireWaiters(waiters)
	s.advance(deps, callID, callErr)
}

// continueTo implements tail-call forwarding (§4.5 continuation resolution):
// register the continuation call, alias callID onto it, and transfer
// callID's dependents/waiters so the whole chain ultimately settles once,
// without re-running the original call.
func (s *Scheduler) continueTo(callID string, childCall *Call) {
	childRec, err := s.register(childCall)
	if err != nil {
		s.settleFailed(callID, asCallError(callID, err))
		return
	}

	applied, err := s.casOutcome(callID, store.OutcomeForward, store.StatusPayload{ForwardID: childRec.ID})
	if err != nil || !applied {
		return
	}

	s.mu.Lock()
	rec := s.calls[callID]
	rec.ForwardTo = childRec.ID
	rec.Status = Resolved
	deps, waiters := rec.dependents, rec.termWaiters
	rec.dependents, rec.termWaiters = nil, nil
	s.metrics.DecInflight()

	child := s.calls[childRec.ID]
	childTerminal := child.Status == Failed || (child.Status == Resolved && child.ForwardTo == "")
	var cResult any
	var cErr *CallError
	if childTerminal {
		cResult, cErr = child.Result, child.Err
	} else {
		// Every dependent waiting on callID must now wait on childRec.ID
		// instead: rewrite its pendingDeps key so that whichever call
		// eventually settles this chain (itself keyed by its own callID when
		// it calls advance) actually finds and clears the edge, instead of
		// leaving it keyed under an id nothing will ever settle again.
		for depID := range deps {
			if depRec, ok := s.calls[depID]; ok {
				if _, had := depRec.pendingDeps[callID]; had {
					delete(depRec.pendingDeps, callID)
					depRec.pendingDeps[childRec.ID] = struct{}{}
				}
			}
		}
		child.dependents = mergeSets(child.dependents, deps)
		child.termWaiters = append(child.termWaiters, waiters...)
	}
	s.mu.Unlock()

	s.emit(callID, rec.NodeRef.NodeName, "call_forwarded", map[string]any{"forward_to": childRec.ID})

	if childTerminal {
		s.fireWaiters(waiters)
		s.advance(deps, callID, cErr)
		_ = cResult
	}
}

// advance notifies every dependent in deps that sourceID has settled:
// resolved (callErr == nil) or failed (callErr != nil). A failed source
// eagerly fails every dependent, which then recursively settles its own
// dependents the same way.
func (s *Scheduler) advance(deps map[string]struct{}, sourceID string, callErr *CallError) {
	for depID := range deps {
		s.mu.Lock()
		depRec, ok := s.calls[depID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		delete(depRec.pendingDeps, sourceID)

		if callErr != nil {
			s.mu.Unlock()
			s.metrics.IncDependencyFailure()
			// The dependent never ran and is still PENDING in storage, while
			// settleFailed's CAS starts from RUNNING: step it there first.
			if moved, _ := s.store.CompareAndSwapStatus(s.ctx, depID, store.OutcomePending, store.OutcomeRunning, store.StatusPayload{}); moved {
				s.metrics.IncInflight()
			}
			s.settleFailed(depID, &CallError{
				Code:   CodeDependencyFailed,
				CallID: depID,
				DepID:  sourceID,
				Cause:  callErr,
			})
			continue
		}

		readyNow := len(depRec.pendingDeps) == 0 && depRec.Status == Pending
		if readyNow {
			depRec.Status = Ready
		}
		s.mu.Unlock()

		if readyNow {
			s.persistOutcome(depRec.ID, store.OutcomeReady, store.StatusPayload{})
			s.publishReady(depRec.ID)
		}
	}
}

func (s *Scheduler) fireWaiters(chs []chan struct{}) {
	for _, ch := range chs {
		close(ch)
	}
}

// execute registers call and blocks until it (or whatever it ultimately
// forwards to) reaches a terminal state, following tail-call chains.
func (s *Scheduler) execute(ctx context.Context, call *Call) (any, error) {
	rec, err := s.register(call)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	target := rec
	for target.Status == Resolved && target.ForwardTo != "" {
		target = s.calls[target.ForwardTo]
	}
	if target.Status == Resolved && target.ForwardTo == "" {
		v, e := target.Result, target.Err
		s.mu.Unlock()
		return v, callErrToErr(e)
	}
	if target.Status == Failed {
		e := target.Err
		s.mu.Unlock()
		return nil, callErrToErr(e)
	}
	ch := make(chan struct{})
	target.termWaiters = append(target.termWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionCancelled
	case <-ch:
	}

	// target may have been forwarded one or more hops while we waited (the
	// waiter channel travels with continueTo's dependents/termWaiters
	// transfer, but target itself is not updated) — re-chase the chain from
	// the root to find where the terminal value actually landed.
	s.mu.Lock()
	final := rec
	for final.Status == Resolved && final.ForwardTo != "" {
		final = s.calls[final.ForwardTo]
	}
	v, e := final.Result, final.Err
	s.mu.Unlock()
	return v, callErrToErr(e)
}

func callErrToErr(e *CallError) error {
	if e == nil {
		return nil
	}
	return e
}

func mergeSets(a, b map[string]struct{}) map[string]struct{} {
	if a == nil {
		a = make(map[string]struct{}, len(b))
	}
	for k := range b {
		a[k] = struct{}{}
	}
	return a
}

// casOutcome writes a terminal (or forward) outcome to the StorageAdapter
// using compare-and-swap from RUNNING, the single-writer guard (§5, §8
// property 6) that discards a redelivered executor's late, duplicate
// completion. A storage error is an infrastructure fault (§7
// StorageUnavailable), never a call failure: it is retried locally with
// exponential backoff per the scheduler's RetryPolicy, so casOutcome only
// returns an error once that policy gives up (ctx cancelled, MaxAttempts
// exhausted, or Retryable rejects it) — callers treat that as "the session
// is going away" and leave the call as-is rather than settling it.
func (s *Scheduler) casOutcome(callID string, to store.Outcome, payload store.StatusPayload) (bool, error) {
	var applied bool
	err := retryLoop(s.ctx, s.retryPolicy, s.metrics.IncBackoffEvent, func() error {
		a, err := s.store.CompareAndSwapStatus(s.ctx, callID, store.OutcomeRunning, to, payload)
		applied = a
		return err
	})
	return applied, err
}

func (s *Scheduler) persistCall(rec *callRecord) {
	_ = s.store.PutCall(s.ctx, store.CallRecord{
		ID:       rec.ID,
		GraphID:  rec.NodeRef.GraphID,
		NodeName: rec.NodeRef.NodeName,
		ArgsBlob: s.encodeValue(rec.Args),
		Status:   storeOutcome(rec.Status),
	})
}

func (s *Scheduler) persistOutcome(callID string, outcome store.Outcome, payload store.StatusPayload) {
	_, _ = s.store.CompareAndSwapStatus(s.ctx, callID, store.OutcomePending, outcome, payload)
}

func (s *Scheduler) encodeValue(v any) []byte {
	b, err := s.codec.Encode(v)
	if err != nil {
		return nil
	}
	return b
}

func (s *Scheduler) encodeErr(e *CallError) []byte {
	if e == nil {
		return nil
	}
	b, _ := s.codec.Encode(map[string]any{"code": string(e.Code), "message": e.Message})
	return b
}

func (s *Scheduler) emit(callID, nodeName, msg string, meta map[string]any) {
	s.emitter.Emit(emit.Event{SessionID: s.sessionID, CallID: callID, NodeName: nodeName, Msg: msg, Meta: meta})
}

func (s *Scheduler) publishReady(callID string) {
	go func() {
		// BrokerUnavailable (§7) is recovered locally the same as
		// StorageUnavailable: retried with backoff, never turned into a call
		// failure. Giving up here only ever means the session itself is
		// shutting down.
		_ = retryLoop(s.ctx, s.retryPolicy, s.metrics.IncBackoffEvent, func() error {
			return s.broker.Publish(s.ctx, callID, callID)
		})
	}()
}

func storeOutcome(st Status) store.Outcome {
	switch st {
	case Pending:
		return store.OutcomePending
	case Ready:
		return store.OutcomeReady
	case Running:
		return store.OutcomeRunning
	case Resolved:
		return store.OutcomeResolved
	case Failed:
		return store.OutcomeFailed
	default:
		return store.OutcomePending
	}
}
