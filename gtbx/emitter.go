package gtbx

import "context"

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a message
	// broker and returns once the broker acknowledged (or rejected) it.
	Emit(ctx context.Context, r *OutboxRecord) error
}
