package gtbx

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Goutbox implements the Goutbox module: producers publish messages through
// it and, when enabled, its dispatchers drain the outbox into the emitter.
type Goutbox struct {
	settings Settings
	opts     *options
	emitter  Emitter
	store    Store

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates an instance of Goutbox using the provided settings, options,
// Store and Emitter implementations. The emitter is only mandatory when the
// dispatcher is enabled. Nothing runs until Start is called.
func New(s Settings, st Store, e Emitter, options ...opt) *Goutbox {
	if st == nil {
		panic("you must provide a store")
	}
	if s.EnableDispatcher && e == nil {
		panic("you must provide an emitter when the dispatcher is enabled")
	}

	validateSettings(&s)

	g := &Goutbox{
		settings: s,
		opts:     applyOptions(options),
		emitter:  e,
		store:    st,
	}

	propagate(g.opts, e, st)

	return g
}

// propagate hands the configured logger and clock to the collaborators that
// accept them.
func propagate(o *options, targets ...any) {
	for _, a := range targets {
		if l, ok := a.(Loggable); ok {
			l.SetLogger(o.logger)
		}
		if c, ok := a.(Clockable); ok {
			c.SetClock(o.clock)
		}
	}
}

// Publish enqueues a message reliably within a business transaction, when one
// is present in the context, utilizing the polling publisher variant of the
// Transactional Outbox pattern. A message-id header is stamped if absent so
// consumers can deduplicate the deliveries.
func (gb *Goutbox) Publish(ctx context.Context, m *Message) (int64, error) {
	if m == nil {
		return 0, ErrNilMessage
	}

	msg := *m
	msg.Headers = append(Headers(nil), m.Headers...)
	if msg.Queue == "" {
		msg.Queue = DefaultQueue
	}
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = gb.opts.clock.Now()
	}
	if _, ok := msg.Headers.Get(HeaderMessageID); !ok {
		msg.Headers = msg.Headers.Set(HeaderMessageID, uuid.NewString())
	}

	id, err := gb.store.Enqueue(ctx, &msg)
	if err != nil {
		return 0, fmt.Errorf("could not publish the message: %w", err)
	}
	return id, nil
}

// Start launches Settings.Workers dispatchers for every configured queue.
// They stop when the context is cancelled; use Wait to block until they are
// all gone.
func (gb *Goutbox) Start(ctx context.Context) error {
	gb.mu.Lock()
	defer gb.mu.Unlock()

	if gb.started {
		return ErrAlreadyStarted
	}
	if !gb.settings.EnableDispatcher {
		gb.opts.logger.Warn("the dispatcher is disabled, nothing to start")
		return nil
	}
	gb.started = true

	for _, queue := range gb.settings.Queues {
		for i := 0; i < gb.settings.Workers; i++ {
			d := newDispatcher(queue, gb.settings, gb.store, gb.emitter, gb.opts)
			gb.wg.Add(1)
			go func() {
				defer gb.wg.Done()
				d.run(ctx)
			}()
		}
	}
	gb.opts.logger.Info(fmt.Sprintf("%d dispatchers started for queues %v", gb.settings.Workers*len(gb.settings.Queues), gb.settings.Queues))
	return nil
}

// Wait blocks until every dispatcher launched by Start has returned.
func (gb *Goutbox) Wait() {
	gb.wg.Wait()
}
