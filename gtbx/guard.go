package gtbx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Outcome reports what a Guard did with a message.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1 // the handler ran and succeeded
	OutcomeSkipped                      // the message was already processed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Handler is the unit of work guarded against duplicate executions. The
// context carries the enclosing transaction.
type Handler func(ctx context.Context) error

// Guard turns at-least-once deliveries into effectively-once handler
// executions.
//
// Precondition: RunOnce must be called inside a transaction opened by the
// caller and reachable from the context, and before any other side effect
// of the delivery. The ledger entry and the handler side effects are only
// atomic because they share that transaction: the caller commits after a nil
// error and rolls back after any error. Inbox.Deliver establishes this
// ordering for callers that do not manage transactions themselves.
type Guard struct {
	ledger       Ledger
	logger       Logger
	processedCtr Counter
	failedCtr    Counter
	duplicateCtr Counter
}

// NewGuard creates a Guard backed by the provided ledger.
func NewGuard(l Ledger, options ...opt) *Guard {
	if l == nil {
		panic("you must provide a ledger")
	}
	o := applyOptions(options)
	propagate(o, l)
	return &Guard{
		ledger:       l,
		logger:       o.logger,
		processedCtr: o.successCtr,
		failedCtr:    o.errorCtr,
		duplicateCtr: o.duplicateCtr,
	}
}

// RunOnce records the message identity and runs the handler only if the
// identity was not recorded before. Handler errors are returned untouched so
// the enclosing transaction rolls back both the ledger entry and the handler
// side effects.
func (g *Guard) RunOnce(ctx context.Context, messageId uuid.UUID, messageName string, h Handler) (Outcome, error) {
	if h == nil {
		return 0, ErrNilHandler
	}
	if messageId == uuid.Nil {
		return 0, ErrMessageIDRequired
	}

	duplicate, err := g.ledger.RecordIfAbsent(ctx, messageId, messageName)
	if err != nil {
		return 0, fmt.Errorf("could not record the message '%s': %w", messageId, err)
	}
	if duplicate {
		g.duplicateCtr.Inc(1)
		g.logger.Debug(fmt.Sprintf("message '%s' (%s) already processed, skipping", messageId, messageName))
		return OutcomeSkipped, nil
	}

	if err := h(ctx); err != nil {
		g.failedCtr.Inc(1)
		return 0, err
	}
	g.processedCtr.Inc(1)
	return OutcomeProcessed, nil
}
