package broker

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelBroker is the in-process reference Broker: a capacity-bounded
// channel provides backpressure exactly like the teacher's Frontier
// (graph/scheduler.go), and a small min-heap orders claims by publish
// sequence, so calls in the same partition are claimed in the order they
// were published. It is the broker used by
// a single-process Session and by tests; a real deployment swaps in a
// network-backed Broker without touching scheduler code.
type ChannelBroker struct {
	capacity int
	ready    chan struct{}

	mu      sync.Mutex
	heap    claimHeap
	seq     uint64
	pending map[string]*pendingClaim

	completions chan CompletionEvent

	closed    atomic.Bool
	closeOnce sync.Once

	enqueued   atomic.Int64
	dequeued   atomic.Int64
	backpressure atomic.Int64
}

type pendingClaim struct {
	callID    string
	partition string
	orderKey  uint64
	timer     *time.Timer
	redeliver int
}

type claimHeap []*pendingClaim

func (h claimHeap) Len() int            { return len(h) }
func (h claimHeap) Less(i, j int) bool  { return h[i].orderKey < h[j].orderKey }
func (h claimHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *claimHeap) Push(x any)         { *h = append(*h, x.(*pendingClaim)) }
func (h *claimHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewChannelBroker creates a reference broker with a bounded ready queue of
// the given capacity (a capacity of 0 or less uses 1024).
func NewChannelBroker(capacity int) *ChannelBroker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChannelBroker{
		capacity:    capacity,
		ready:       make(chan struct{}, capacity),
		pending:     make(map[string]*pendingClaim),
		completions: make(chan CompletionEvent, capacity),
	}
}

// orderKey is the heap sort key of a published claim: the broker-wide,
// monotonically increasing publish sequence number. Claims therefore come
// out in publish order, which gives FIFO ordering within every partition.
func orderKey(partition string, seq uint64) uint64 {
	return seq
}

func (b *ChannelBroker) Publish(ctx context.Context, callID string, partition string) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	b.mu.Lock()
	b.seq++
	pc := &pendingClaim{callID: callID, partition: partition, orderKey: orderKey(partition, b.seq)}
	heap.Push(&b.heap, pc)
	b.pending[callID] = pc
	b.mu.Unlock()

	b.enqueued.Add(1)
	select {
	case b.ready <- struct{}{}:
		return nil
	default:
	}
	b.backpressure.Add(1)
	select {
	case b.ready <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBroker) Claim(ctx context.Context, visibilityTimeout time.Duration) (Claim, bool, error) {
	select {
	case <-b.ready:
	case <-ctx.Done():
		return Claim{}, false, ctx.Err()
	}
	b.dequeued.Add(1)

	b.mu.Lock()
	if b.heap.Len() == 0 {
		b.mu.Unlock()
		return Claim{}, false, nil
	}
	pc := heap.Pop(&b.heap).(*pendingClaim)
	expires := time.Now().Add(visibilityTimeout)
	if visibilityTimeout > 0 {
		pc.timer = time.AfterFunc(visibilityTimeout, func() { b.requeue(pc) })
	}
	b.mu.Unlock()

	return Claim{CallID: pc.callID, Partition: pc.partition, ExpiresAt: expires, RedeliverN: pc.redeliver}, true, nil
}

// requeue puts an un-acked claim back on the ready queue, incrementing its
// redelivery count — the at-least-once guarantee (§4.8).
func (b *ChannelBroker) requeue(pc *pendingClaim) {
	b.mu.Lock()
	if _, stillPending := b.pending[pc.callID]; !stillPending {
		b.mu.Unlock()
		return // already acked
	}
	pc.redeliver++
	heap.Push(&b.heap, pc)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *ChannelBroker) Ack(ctx context.Context, claim Claim) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pc, ok := b.pending[claim.CallID]; ok {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		delete(b.pending, claim.CallID)
	}
	return nil
}

func (b *ChannelBroker) Nack(ctx context.Context, claim Claim) error {
	b.mu.Lock()
	pc, ok := b.pending[claim.CallID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	b.requeue(pc)
	return nil
}

func (b *ChannelBroker) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	select {
	case b.completions <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBroker) SubscribeCompletions(ctx context.Context) (<-chan CompletionEvent, error) {
	return b.completions, nil
}

// Close marks the broker closed, so Publish and PublishCompletion return
// ErrBrokerClosed, and closes the completion channel, which ends any
// SubscribeCompletions reader. A Claim already waiting for work is not woken
// by Close; it returns when its own ctx is done.
func (b *ChannelBroker) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.completions)
	})
	return nil
}

// Metrics reports the broker's current queueing counters. A Session samples
// only ReadyDepth; these counters are for direct callers.
func (b *ChannelBroker) Metrics() (enqueued, dequeued, depth, backpressureEvents int64) {
	b.mu.Lock()
	depth = int64(b.heap.Len())
	b.mu.Unlock()
	return b.enqueued.Load(), b.dequeued.Load(), depth, b.backpressure.Load()
}

// ReadyDepth implements broker.DepthReporter.
func (b *ChannelBroker) ReadyDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Len()
}
