package gtbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which the storage backends look for the
// enclosing transaction.
type TxKey any

// Store manages the outbox records. Implementations must guarantee per
// partition head-of-line claiming under concurrent callers.
type Store interface {

	// Enqueue persists a new record and returns its store assigned id. When a
	// transaction is present in the context it is used, so the record commits
	// together with the producer's business changes.
	Enqueue(ctx context.Context, m *Message) (int64, error)

	// ClaimNext atomically selects, locks and leases one head-of-line record
	// of the queue. Rows locked by concurrent callers are skipped, never
	// fallen through. It returns nil (and no error) when nothing is eligible.
	ClaimNext(ctx context.Context, queue string, redeliverTimeout time.Duration) (*OutboxRecord, error)

	// Ack marks the record as terminally done. A done record is never claimed
	// again.
	Ack(ctx context.Context, id int64) error

	// Nack releases the lease of the record so it can be claimed again
	// without waiting for the redeliver timeout.
	Nack(ctx context.Context, id int64) error
}

// Ledger is the deduplication store of the inbox.
type Ledger interface {

	// RecordIfAbsent inserts the message identity and reports whether it was
	// already present (true means duplicate). It never manages transactions:
	// it must run inside the transaction found in the context.
	RecordIfAbsent(ctx context.Context, messageId uuid.UUID, messageName string) (duplicate bool, err error)
}

// Transactor opens the transaction that encloses an inbox delivery. The
// transaction must be reachable from the context handed to fn, under the
// TxKey the Ledger is configured with.
type Transactor interface {

	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Inspector exposes read-only information about the outbox state.
type Inspector interface {

	// Stats returns per partition statistics of the pending records of a
	// queue, ordered by the oldest lease first.
	Stats(ctx context.Context, queue string, redeliverTimeout time.Duration) ([]PartitionStats, error)
}
