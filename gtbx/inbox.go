package gtbx

import (
	"context"
	"fmt"
)

// Inbox delivers incoming messages to handlers exactly once in effect. For
// every delivery it resolves the message identity, opens a transaction with
// the injected Transactor and runs the Guard as the first step inside it.
type Inbox struct {
	transactor Transactor
	guard      *Guard
	resolver   Resolver
	logger     Logger
}

// NewInbox creates an Inbox. The Transactor must expose its transaction to
// the Ledger, which for the provided repositories means both are configured
// with the same TxKey.
func NewInbox(t Transactor, l Ledger, options ...opt) *Inbox {
	if t == nil {
		panic("you must provide a transactor")
	}
	o := applyOptions(options)
	propagate(o, t)
	return &Inbox{
		transactor: t,
		guard:      NewGuard(l, options...),
		resolver:   o.resolver,
		logger:     o.logger,
	}
}

// Deliver processes the message with the handler unless it was processed
// before. Any handler or storage failure is returned after the transaction
// rolled back, leaving the message safely retryable.
func (in *Inbox) Deliver(ctx context.Context, m *IncomingMessage, h Handler) (Outcome, error) {
	id, name, err := in.resolver.Resolve(m)
	if err != nil {
		return 0, fmt.Errorf("could not resolve the message identity: %w", err)
	}

	var outcome Outcome
	err = in.transactor.WithinTx(ctx, func(txCtx context.Context) error {
		var err error
		outcome, err = in.guard.RunOnce(txCtx, id, name, h)
		return err
	})
	if err != nil {
		in.logger.Error(fmt.Sprintf("delivering message '%s' (%s)", id, name), err)
		return 0, err
	}
	return outcome, nil
}
