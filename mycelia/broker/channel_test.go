package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChannelBroker_PublishClaimAck(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	if err := b.Publish(ctx, "call-1", "p0"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	claim, ok, err := b.Claim(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim failed: ok=%v err=%v", ok, err)
	}
	if claim.CallID != "call-1" {
		t.Errorf("expected call-1, got %q", claim.CallID)
	}
	if claim.RedeliverN != 0 {
		t.Errorf("expected first claim RedeliverN=0, got %d", claim.RedeliverN)
	}

	if err := b.Ack(ctx, claim); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	_, _, depth, _ := b.Metrics()
	if depth != 0 {
		t.Errorf("expected empty queue after ack, depth=%d", depth)
	}
}

func TestChannelBroker_VisibilityTimeoutRequeues(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	_ = b.Publish(ctx, "call-1", "p0")

	claim1, ok, err := b.Claim(ctx, 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first claim failed: ok=%v err=%v", ok, err)
	}

	// Don't ack; wait past the visibility timeout for the broker to requeue it.
	claim2, ok, err := b.Claim(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("second claim failed: ok=%v err=%v", ok, err)
	}
	if claim2.CallID != claim1.CallID {
		t.Fatalf("expected redelivery of same call, got %q then %q", claim1.CallID, claim2.CallID)
	}
	if claim2.RedeliverN != 1 {
		t.Errorf("expected RedeliverN=1 on redelivery, got %d", claim2.RedeliverN)
	}

	if err := b.Ack(ctx, claim2); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestChannelBroker_AckPreventsLateRedelivery(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	_ = b.Publish(ctx, "call-1", "p0")
	claim, _, _ := b.Claim(ctx, 15*time.Millisecond)
	_ = b.Ack(ctx, claim)

	// Give any in-flight visibility timer a chance to fire; it must be a no-op
	// since the claim was already acked.
	time.Sleep(40 * time.Millisecond)

	_, _, depth, _ := b.Metrics()
	if depth != 0 {
		t.Errorf("expected no requeue after ack, depth=%d", depth)
	}
}

func TestChannelBroker_NackRequeuesImmediately(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	_ = b.Publish(ctx, "call-1", "p0")
	claim, _, _ := b.Claim(ctx, time.Minute)

	if err := b.Nack(ctx, claim); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	claim2, ok, err := b.Claim(ctx, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after nack failed: ok=%v err=%v", ok, err)
	}
	if claim2.CallID != "call-1" {
		t.Errorf("expected call-1 back, got %q", claim2.CallID)
	}
	if claim2.RedeliverN != 1 {
		t.Errorf("expected RedeliverN=1 after nack, got %d", claim2.RedeliverN)
	}
}

func TestChannelBroker_PartitionOrderingIsFIFO(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	want := []string{"call-1", "call-2", "call-3"}
	for _, id := range want {
		if err := b.Publish(ctx, id, "same-partition"); err != nil {
			t.Fatalf("Publish(%s) failed: %v", id, err)
		}
	}

	for _, expected := range want {
		claim, ok, err := b.Claim(ctx, time.Minute)
		if err != nil || !ok {
			t.Fatalf("claim failed: ok=%v err=%v", ok, err)
		}
		if claim.CallID != expected {
			t.Errorf("expected %q next within partition, got %q", expected, claim.CallID)
		}
		_ = b.Ack(ctx, claim)
	}
}

func TestChannelBroker_CompletionPubSub(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	ch, err := b.SubscribeCompletions(ctx)
	if err != nil {
		t.Fatalf("SubscribeCompletions failed: %v", err)
	}

	ev := CompletionEvent{CallID: "call-1", Outcome: OutcomeResolved, Value: 42}
	if err := b.PublishCompletion(ctx, ev); err != nil {
		t.Fatalf("PublishCompletion failed: %v", err)
	}

	select {
	case got := <-ch:
		if got.CallID != "call-1" || got.Outcome != OutcomeResolved {
			t.Errorf("unexpected completion event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestChannelBroker_CloseRejectsFurtherUse(t *testing.T) {
	b := NewChannelBroker(0)
	ctx := context.Background()

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Closing twice must not panic (close of closed channel guarded by sync.Once).
	if err := b.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := b.Publish(ctx, "call-1", "p0"); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed after Close, got %v", err)
	}
	if err := b.PublishCompletion(ctx, CompletionEvent{CallID: "call-1"}); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed for PublishCompletion after Close, got %v", err)
	}
}
