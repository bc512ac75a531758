package mycelia

import (
	"context"
	"sync"
	"time"

	"github.com/myceliarun/mycelia/mycelia/broker"
	"github.com/myceliarun/mycelia/mycelia/emit"
	"github.com/myceliarun/mycelia/mycelia/store"
)

// Session is the runtime lifecycle around one Graph (§6 session lifecycle):
// Open seals the graph, starts the executor worker pool and the completion
// consumer, and returns a Session ready to accept Execute/Submit calls;
// Close cancels outstanding work and drains the workers, the same
// cooperative-cancellation shape as the teacher's Engine context handling.
type Session struct {
	id        string
	graph     *Graph
	opts      Options
	scheduler *Scheduler
	broker    broker.Broker
	store     store.StorageAdapter
	emitter   emit.Emitter
	metrics   *Metrics
	codec     Codec

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	done bool
}

// Open seals g against further node registration, wires a Scheduler over
// the given Options' (or default) Broker/Store/Emitter/Metrics/Codec, and
// starts the executor and completion-consumer goroutines.
func Open(ctx context.Context, g *Graph, opts ...Option) *Session {
	var o Options
	for _, apply := range opts {
		apply(&o)
	}
	o = o.withDefaults()

	g.seal()
	g.codec = o.Codec

	sctx, cancel := context.WithCancel(ctx)
	id := newSessionID()
	sched := newScheduler(sctx, id, g, o)

	s := &Session{
		id:        id,
		graph:     g,
		opts:      o,
		scheduler: sched,
		broker:    o.Broker,
		store:     o.Store,
		emitter:   o.Emitter,
		metrics:   o.Metrics,
		codec:     o.Codec,
		ctx:       sctx,
		cancel:    cancel,
	}

	s.wg.Add(1)
	go s.completionLoop()

	s.wg.Add(1)
	go s.depthReportLoop()

	for i := 0; i < o.MaxConcurrentExecutors; i++ {
		s.wg.Add(1)
		go s.executorLoop()
	}

	return s
}

// ID returns the session's unique identifier, used to tag emitted events.
func (s *Session) ID() string { return s.id }

// Execute registers call and blocks until it (following any tail-call
// chain) resolves or fails, the root invocation contract of §6.
func (s *Session) Execute(ctx context.Context, call *Call) (any, error) {
	if s.closed() {
		return nil, ErrSessionCancelled
	}
	return s.scheduler.execute(ctx, call)
}

// Close cancels all outstanding executor/completion work and blocks until
// every worker goroutine has drained.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.mu.Unlock()

	s.cancel()
	_ = s.broker.Close()
	s.wg.Wait()
	return nil
}

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// executorLoop is one worker: claim a READY call, execute it, report the
// outcome as a CompletionEvent (§4.6). It settles no call itself — terminal
// and forwarding outcomes are applied only by the completion consumer. It
// does touch scheduler state in two places: executeOne marks the claimed
// call RUNNING through Scheduler.markRunning, and a body's Context.Submit
// registers calls with the scheduler directly.
func (s *Session) executorLoop() {
	defer s.wg.Done()
	for {
		var claim broker.Claim
		var ok bool
		// A Claim error is BrokerUnavailable (§7): recovered locally with
		// backoff per the session's RetryPolicy rather than permanently
		// losing this worker's executor capacity for the rest of the
		// session's life.
		err := retryLoop(s.ctx, s.opts.RetryPolicy, s.metrics.IncBackoffEvent, func() error {
			c, o, err := s.broker.Claim(s.ctx, s.opts.BrokerVisibilityTimeout)
			claim, ok = c, o
			return err
		})
		if err != nil {
			return // session shutting down (or the policy gave up)
		}
		if !ok {
			continue
		}
		s.executeOne(claim)
	}
}

// depthReportLoop periodically samples the broker's ready-queue depth into
// the session's Prometheus gauge, when the configured Broker supports
// reporting it. It is a no-op for brokers that don't implement
// broker.DepthReporter.
func (s *Session) depthReportLoop() {
	defer s.wg.Done()
	reporter, ok := s.broker.(broker.DepthReporter)
	if !ok {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.metrics.SetReadyQueueDepth(reporter.ReadyDepth())
		}
	}
}

func (s *Session) executeOne(claim broker.Claim) {
	callID := claim.CallID
	if claim.RedeliverN > 0 {
		s.metrics.IncRedelivery()
	}
	rec := s.scheduler.markRunning(callID)
	if rec == nil {
		_ = s.broker.Ack(s.ctx, claim)
		return
	}

	node, ok := s.graph.Lookup(rec.NodeRef.NodeName)
	if !ok {
		s.reportFailed(callID, &CallError{Code: CodeNodeNotRegistered, CallID: callID, Message: "node not registered: " + rec.NodeRef.NodeName})
		_ = s.broker.Ack(s.ctx, claim)
		return
	}

	args, kwargs, err := s.materialize(rec)
	if err != nil {
		s.reportFailed(callID, asCallError(callID, err))
		_ = s.broker.Ack(s.ctx, claim)
		return
	}

	execCtx := &Context{Context: s.ctx, session: s, callID: callID}
	var policy *NodePolicy
	if s.opts.RetryPolicy != nil {
		policy = &NodePolicy{RetryPolicy: s.opts.RetryPolicy}
	}
	timeout := nodeTimeout(policy, s.opts.DefaultNodeTimeout)

	s.emitter.Emit(emit.Event{SessionID: s.id, CallID: callID, NodeName: node.Name, Msg: "call_running"})
	start := time.Now()
	value, bodyErr, timedOut := runBodyWithTimeout(s.ctx, timeout, func(tctx context.Context) (any, error) {
		execCtx.Context = tctx
		return node.body(execCtx, args, kwargs)
	})
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	switch {
	case timedOut:
		s.metrics.RecordCallLatency(node.Name, "timeout", latencyMs)
		s.reportFailed(callID, &CallError{Code: CodeNodeExecutionFailure, CallID: callID, Message: "call exceeded its execution timeout"})
	case bodyErr != nil:
		s.metrics.RecordCallLatency(node.Name, "error", latencyMs)
		s.reportFailed(callID, asCallError(callID, bodyErr))
	default:
		if childCall, isCall := value.(*Call); isCall {
			s.metrics.RecordCallLatency(node.Name, "continuation", latencyMs)
			s.reportContinuation(callID, childCall)
		} else if _, encErr := s.codec.Encode(value); encErr != nil {
			s.metrics.RecordCallLatency(node.Name, "error", latencyMs)
			s.reportFailed(callID, &CallError{Code: CodeNonSerializableResult, CallID: callID, Cause: encErr})
		} else {
			s.metrics.RecordCallLatency(node.Name, "ok", latencyMs)
			s.reportResolved(callID, value)
		}
	}

	_ = s.broker.Ack(s.ctx, claim)
}

func (s *Session) reportResolved(callID string, value any) {
	s.publishCompletionWithRetry(broker.CompletionEvent{CallID: callID, Outcome: broker.OutcomeResolved, Value: value})
}

func (s *Session) reportFailed(callID string, callErr *CallError) {
	s.publishCompletionWithRetry(broker.CompletionEvent{CallID: callID, Outcome: broker.OutcomeFailed, Err: callErr})
}

func (s *Session) reportContinuation(callID string, child *Call) {
	s.publishCompletionWithRetry(broker.CompletionEvent{
		CallID:       callID,
		Outcome:      broker.OutcomeContinuation,
		Continuation: toContinuationCall(child),
	})
}

// publishCompletionWithRetry retries a completion report with exponential
// backoff per the session's RetryPolicy on a broker error (§7
// BrokerUnavailable is an infrastructure fault, recovered locally rather
// than ever failing the call it describes). If the policy gives up — which
// in practice only happens once the session is shutting down — the event is
// abandoned and noted via the emitter rather than silently dropped.
func (s *Session) publishCompletionWithRetry(event broker.CompletionEvent) {
	err := retryLoop(s.ctx, s.opts.RetryPolicy, s.metrics.IncBackoffEvent, func() error {
		return s.broker.PublishCompletion(s.ctx, event)
	})
	if err != nil {
		s.emitter.Emit(emit.Event{
			SessionID: s.id,
			CallID:    event.CallID,
			Msg:       "completion_report_abandoned",
			Meta: map[string]any{
				"error": (&CallError{Code: CodeBrokerUnavailable, CallID: event.CallID, Cause: err}).Error(),
			},
		})
	}
}

// completionLoop is the scheduler's single consumer of completion events: it
// is the only goroutine that applies an executor's reported outcome
// (settle/continue/advance) to Scheduler state.
func (s *Session) completionLoop() {
	defer s.wg.Done()
	ch, err := s.broker.SubscribeCompletions(s.ctx)
	if err != nil {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Outcome {
			case broker.OutcomeResolved:
				s.scheduler.settleResolved(ev.CallID, ev.Value)
			case broker.OutcomeFailed:
				s.scheduler.settleFailed(ev.CallID, asCallError(ev.CallID, ev.Err))
			case broker.OutcomeContinuation:
				s.scheduler.continueTo(ev.CallID, fromContinuationCall(ev.Continuation))
			}
		}
	}
}

// materialize resolves a call record's argument slots into the plain
// Go values a Body expects: literals pass through, Refs are fetched from
// the scheduler's in-memory cache (same-process dependency) or, failing
// that, the StorageAdapter (cross-process dependency) — both are guaranteed
// resolved already, since a call only becomes READY once every dependency
// has settled.
func (s *Session) materialize(rec *callRecord) ([]any, map[string]any, error) {
	args := make([]any, len(rec.Args))
	for i, slot := range rec.Args {
		v, err := s.resolveSlot(slot)
		if err != nil {
			return nil, nil, err
		}
		args[i] = v
	}
	var kwargs map[string]any
	if len(rec.Kwargs) > 0 {
		kwargs = make(map[string]any, len(rec.Kwargs))
		for k, slot := range rec.Kwargs {
			v, err := s.resolveSlot(slot)
			if err != nil {
				return nil, nil, err
			}
			kwargs[k] = v
		}
	}
	return args, kwargs, nil
}

func (s *Session) resolveSlot(slot Slot) (any, error) {
	if slot.Kind == SlotLiteral {
		return slot.Value, nil
	}
	if v, callErr, ok := s.scheduler.cachedResult(slot.Ref); ok {
		if callErr != nil {
			return nil, callErr
		}
		return v, nil
	}

	// A cross-process dependency lookup failure is StorageUnavailable (§7):
	// recovered locally with backoff per the session's RetryPolicy rather
	// than ever failing this call outright. Only once the policy gives up
	// (ctx cancelled, typically because the session is closing) does it
	// surface as a real error.
	var status store.Outcome
	var resultBlob []byte
	err := retryLoop(s.ctx, s.opts.RetryPolicy, s.metrics.IncBackoffEvent, func() error {
		st, blob, _, _, err := s.store.GetResult(s.ctx, slot.Ref)
		status, resultBlob = st, blob
		return err
	})
	if err != nil {
		return nil, &CallError{Code: CodeStorageUnavailable, CallID: slot.Ref, Cause: err}
	}
	if status != store.OutcomeResolved {
		return nil, &CallError{Code: CodeDependencyFailed, CallID: slot.Ref, Message: "dependency has not resolved to a value"}
	}
	return s.codec.Decode(resultBlob)
}
