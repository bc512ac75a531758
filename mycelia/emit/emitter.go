package emit

import "context"

// Emitter receives lifecycle events from a Session. Implementations must be
// safe for concurrent use — a Session's scheduler may call Emit from many
// executor goroutines at once.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
