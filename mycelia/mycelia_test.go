package mycelia

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func withTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// TestCallID_Idempotent verifies that invoking the same node with
// structurally-identical arguments always yields the same content-hash call
// id (§8 testable property: identity idempotence).
func TestCallID_Idempotent(t *testing.T) {
	g := NewGraph("g1")
	add, err := g.Register("add", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}, ArgSchema{PositionalOnly: 2})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	c1, err := add.Invoke(Args{1, 2}, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	c2, err := add.Invoke(Args{1, 2}, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("expected identical call ids for identical invocations, got %q vs %q", c1.ID, c2.ID)
	}

	c3, err := add.Invoke(Args{1, 3}, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if c1.ID == c3.ID {
		t.Errorf("expected different call ids for different arguments")
	}
}

// TestExecute_HelloWorld exercises the simplest end-to-end path (§8 S1): a
// single node, no dependencies.
func TestExecute_HelloWorld(t *testing.T) {
	g := NewGraph("g1")
	greet, err := g.Register("greet", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return "hello " + args[0].(string), nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	call, err := greet.Invoke(Args{"world"}, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	result, err := sess.Execute(ctx, call)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", result)
	}
}

// TestExecute_LinearTailCall verifies a node that returns a continuation
// forwards transparently to the continuation's eventual value, across a
// multi-hop chain (§8 S2, tail-call transparency).
func TestExecute_LinearTailCall(t *testing.T) {
	g := NewGraph("g1")

	final, err := g.Register("final", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) * 10, nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(final) failed: %v", err)
	}

	var middle *Node
	middle, err = g.Register("middle", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return final.Invoke(Args{args[0].(int) + 1}, nil)
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(middle) failed: %v", err)
	}

	start, err := g.Register("start", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return middle.Invoke(Args{args[0].(int) + 1}, nil)
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(start) failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	call, err := start.Invoke(Args{0}, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	result, err := sess.Execute(ctx, call)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// start(0) -> middle(1) -> final(2) -> 20
	if result != 20 {
		t.Errorf("expected 20, got %v", result)
	}
}

// TestExecute_FanOut verifies that ten independent calls sharing no
// dependencies all complete correctly when executed concurrently (§8 S3).
func TestExecute_FanOut(t *testing.T) {
	g := NewGraph("g1")
	double, err := g.Register("double", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) * 2, nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g, WithMaxConcurrentExecutors(4))
	defer sess.Close()

	const n = 10
	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call, err := double.Invoke(Args{i}, nil)
			if err != nil {
				t.Errorf("Invoke(%d) failed: %v", i, err)
				return
			}
			v, err := sess.Execute(ctx, call)
			if err != nil {
				t.Errorf("Execute(%d) failed: %v", i, err)
				return
			}
			results[i] = v.(int)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if results[i] != i*2 {
			t.Errorf("expected results[%d]=%d, got %d", i, i*2, results[i])
		}
	}
}

// TestRegister_StructuralSharing verifies that two separately-built calls
// referencing the same sub-call (same node, same args) share one record and
// execute the dependency's body exactly once (§8 S4, structural sharing).
func TestRegister_StructuralSharing(t *testing.T) {
	g := NewGraph("g1")
	var invocations atomic.Int32

	shared, err := g.Register("shared", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		invocations.Add(1)
		return args[0].(int) * 2, nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(shared) failed: %v", err)
	}

	sum, err := g.Register("sum", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	}, ArgSchema{PositionalOnly: 2})
	if err != nil {
		t.Fatalf("Register(sum) failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	sharedCall, err := shared.Invoke(Args{21}, nil)
	if err != nil {
		t.Fatalf("Invoke(shared) failed: %v", err)
	}
	// Build two more invocations of the same node/args — they must hash to
	// the same call id as sharedCall and dedup at register time.
	dup1, _ := shared.Invoke(Args{21}, nil)
	dup2, _ := shared.Invoke(Args{21}, nil)
	if sharedCall.ID != dup1.ID || dup1.ID != dup2.ID {
		t.Fatalf("expected all three invocations to share one id, got %q %q %q", sharedCall.ID, dup1.ID, dup2.ID)
	}

	sumCall, err := sum.Invoke(Args{dup1, dup2}, nil)
	if err != nil {
		t.Fatalf("Invoke(sum) failed: %v", err)
	}

	result, err := sess.Execute(ctx, sumCall)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != 84 {
		t.Errorf("expected 84, got %v", result)
	}
	if n := invocations.Load(); n != 1 {
		t.Errorf("expected shared node body to run exactly once, ran %d times", n)
	}
}

// TestRegister_DependencyFailurePropagates verifies that a node depending on
// a failed call fails eagerly, transitively, without ever running (§8 S6,
// dependency-failure propagation).
func TestRegister_DependencyFailurePropagates(t *testing.T) {
	g := NewGraph("g1")
	var ranDownstream atomic.Bool

	boom, err := g.Register("boom", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	}, ArgSchema{})
	if err != nil {
		t.Fatalf("Register(boom) failed: %v", err)
	}

	downstream, err := g.Register("downstream", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		ranDownstream.Store(true)
		return args[0], nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(downstream) failed: %v", err)
	}

	furtherDownstream, err := g.Register("further", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(further) failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	boomCall, err := boom.Invoke(nil, nil)
	if err != nil {
		t.Fatalf("Invoke(boom) failed: %v", err)
	}
	// Execute boom first so downstream's registration sees it already FAILED.
	if _, err := sess.Execute(ctx, boomCall); err == nil {
		t.Fatal("expected boom to fail")
	}

	downstreamCall, err := downstream.Invoke(Args{boomCall}, nil)
	if err != nil {
		t.Fatalf("Invoke(downstream) failed: %v", err)
	}
	furtherCall, err := furtherDownstream.Invoke(Args{downstreamCall}, nil)
	if err != nil {
		t.Fatalf("Invoke(further) failed: %v", err)
	}

	_, err = sess.Execute(ctx, furtherCall)
	if err == nil {
		t.Fatal("expected further to fail transitively")
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Code != CodeDependencyFailed {
		t.Errorf("expected CodeDependencyFailed, got %v", err)
	}
	if ranDownstream.Load() {
		t.Error("downstream node body must never run when its dependency failed")
	}
}

// TestSubmit_BackgroundNoDependencyEdge verifies Context.Submit enqueues a
// call without creating a dependency edge from the submitting call, and that
// the submitting call resolves without waiting on it (§8 S5, background
// submit).
func TestSubmit_BackgroundNoDependencyEdge(t *testing.T) {
	g := NewGraph("g1")
	started := make(chan struct{})
	release := make(chan struct{})
	bgDone := make(chan struct{})
	var backgroundRan atomic.Bool

	background, err := g.Register("background", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		close(started)
		<-release
		backgroundRan.Store(true)
		close(bgDone)
		return "done", nil
	}, ArgSchema{})
	if err != nil {
		t.Fatalf("Register(background) failed: %v", err)
	}

	caller, err := g.Register("caller", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		bgCall, err := background.Invoke(nil, nil)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Submit(bgCall); err != nil {
			return nil, err
		}
		return "caller done", nil
	}, ArgSchema{})
	if err != nil {
		t.Fatalf("Register(caller) failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	callerCall, err := caller.Invoke(nil, nil)
	if err != nil {
		t.Fatalf("Invoke(caller) failed: %v", err)
	}

	result, err := sess.Execute(ctx, callerCall)
	if err != nil {
		t.Fatalf("Execute(caller) failed: %v", err)
	}
	if result != "caller done" {
		t.Errorf("expected caller to resolve independently of the background call, got %v", result)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("background call never started")
	}
	close(release)

	select {
	case <-bgDone:
	case <-time.After(2 * time.Second):
		t.Fatal("background call never finished")
	}
	if !backgroundRan.Load() {
		t.Error("expected background call to have run")
	}
}

// TestExecute_NonSerializableResultFails verifies a node returning a value
// the codec cannot encode fails with CodeNonSerializableResult rather than
// resolving.
func TestExecute_NonSerializableResultFails(t *testing.T) {
	g := NewGraph("g1")
	bad, err := g.Register("bad", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return make(chan int), nil // channels are never JSON-encodable
	}, ArgSchema{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	call, err := bad.Invoke(nil, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	_, err = sess.Execute(ctx, call)
	if err == nil {
		t.Fatal("expected non-serializable result to fail")
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Code != CodeNonSerializableResult {
		t.Errorf("expected CodeNonSerializableResult, got %v", err)
	}
}

// TestExecute_UnreachableDeferredCallRejected verifies a *Call embedded
// inside a nested container (rather than directly as an argument) is
// rejected at Invoke time instead of being silently ignored.
func TestExecute_UnreachableDeferredCallRejected(t *testing.T) {
	g := NewGraph("g1")
	leaf, err := g.Register("leaf", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return 1, nil
	}, ArgSchema{})
	if err != nil {
		t.Fatalf("Register(leaf) failed: %v", err)
	}
	outer, err := g.Register("outer", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return 2, nil
	}, ArgSchema{PositionalOnly: 1})
	if err != nil {
		t.Fatalf("Register(outer) failed: %v", err)
	}

	leafCall, err := leaf.Invoke(nil, nil)
	if err != nil {
		t.Fatalf("Invoke(leaf) failed: %v", err)
	}

	_, err = outer.Invoke(Args{[]any{leafCall}}, nil)
	if err == nil {
		t.Fatal("expected embedding a *Call inside a slice to be rejected")
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Code != CodeUnreachableDeferredCall {
		t.Errorf("expected CodeUnreachableDeferredCall, got %v", err)
	}
}

// TestCasOutcome_DiscardsDuplicateCompletion exercises the at-least-once
// redelivery safety property directly at the scheduler level (§8 property
// 6): two "executors" racing to settle the same call must not both succeed,
// and the losing settlement must not re-fire waiters or cascade twice.
func TestCasOutcome_DiscardsDuplicateCompletion(t *testing.T) {
	g := NewGraph("g1")
	node, err := g.Register("n", func(ctx *Context, args []any, kwargs map[string]any) (any, error) {
		return 1, nil
	}, ArgSchema{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := withTimeout(t)
	defer cancel()
	sess := Open(ctx, g)
	defer sess.Close()

	call, err := node.Invoke(nil, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	rec, err := sess.scheduler.register(call)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	sess.scheduler.markRunning(rec.ID)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			sess.scheduler.settleResolved(rec.ID, v)
		}(i)
	}
	wg.Wait()

	sess.scheduler.mu.Lock()
	finalResult := sess.scheduler.calls[rec.ID].Result
	finalStatus := sess.scheduler.calls[rec.ID].Status
	sess.scheduler.mu.Unlock()

	if finalStatus != Resolved {
		t.Fatalf("expected Resolved, got %v", finalStatus)
	}
	// Exactly one of the concurrent settlements should have won; whichever
	// value landed, the record must be RESOLVED and hold one of the
	// candidate values.
	if finalResult.(int) < 0 || finalResult.(int) > 4 {
		t.Errorf("unexpected settled result: %v", finalResult)
	}
}
