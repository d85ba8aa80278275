package gtbx

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// result is the outcome of one dispatcher iteration.
type result int

const (
	resultEmpty     result = iota // nothing eligible in the queue
	resultPublished               // claimed, published and acked
	resultFailed                  // store or publish failure
)

type dispatcher struct {
	id          uuid.UUID
	queue       string
	settings    Settings
	clock       Clock
	logger      Logger
	emitter     Emitter
	store       Store
	successCtr  Counter
	errorCtr    Counter
	storeErrCtr Counter
}

func newDispatcher(queue string, s Settings, st Store, e Emitter, o *options) *dispatcher {
	return &dispatcher{
		id:          uuid.New(),
		queue:       queue,
		settings:    s,
		clock:       o.clock,
		logger:      o.logger,
		emitter:     e,
		store:       st,
		successCtr:  o.successCtr,
		errorCtr:    o.errorCtr,
		storeErrCtr: o.storeErrCtr,
	}
}

// run implements the main dispatcher loop. An empty queue waits for the
// polling interval, a failure waits for an exponential backoff and a
// successful publication continues right away.
func (d *dispatcher) run(ctx context.Context) {
	bo := d.newBackOff()
	d.logger.Debug(fmt.Sprintf("dispatcher '%s' started on queue '%s'", d.id, d.queue))
	for ctx.Err() == nil {
		var wait time.Duration
		switch d.iterate(ctx) {
		case resultPublished:
			bo.Reset()
			continue
		case resultEmpty:
			bo.Reset()
			wait = d.settings.PollingInterval
		case resultFailed:
			wait = bo.NextBackOff()
		}
		select {
		case <-ctx.Done():
		case <-d.clock.After(wait):
		}
	}
	d.logger.Debug(fmt.Sprintf("dispatcher '%s' stopped", d.id))
}

// iterate runs a single Claiming -> Publishing -> Acking cycle.
func (d *dispatcher) iterate(ctx context.Context) result {
	r, err := d.store.ClaimNext(ctx, d.queue, d.settings.RedeliverTimeout)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error(fmt.Sprintf("claiming from queue '%s'", d.queue), err)
			d.storeErrCtr.Inc(1)
		}
		return resultFailed
	}
	if r == nil {
		return resultEmpty
	}

	if err := d.emit(ctx, r); err != nil {
		d.logger.Error(fmt.Sprintf("publishing record %d", r.Id), err)
		d.errorCtr.Inc(1)
		d.leaveForRedelivery(ctx, r)
		return resultFailed
	}

	// the publication already happened, so the ack survives a shutdown.
	if err := d.store.Ack(context.WithoutCancel(ctx), r.Id); err != nil {
		// the record was published: it will be published again once the
		// lease expires, which at-least-once delivery tolerates.
		d.logger.Error(fmt.Sprintf("acking record %d", r.Id), err)
		d.storeErrCtr.Inc(1)
		return resultFailed
	}
	d.successCtr.Inc(1)
	d.logger.Debug(fmt.Sprintf("record %d (partition '%s') delivered", r.Id, r.PartitionKey))
	return resultPublished
}

// emit publishes the record within its lease. A publication still pending
// when the lease expires could land after a redelivery of the same record
// and invert the order of its partition, so it is abandoned as a failure.
func (d *dispatcher) emit(ctx context.Context, r *OutboxRecord) error {
	ctx, cancel := context.WithTimeout(ctx, d.settings.RedeliverTimeout)
	defer cancel()
	return d.emitter.Emit(ctx, r)
}

// leaveForRedelivery applies the configured failure policy: release the
// lease right away or keep it until RedeliverTimeout elapses.
func (d *dispatcher) leaveForRedelivery(ctx context.Context, r *OutboxRecord) {
	if !d.settings.NackOnFailure {
		return
	}
	if err := d.store.Nack(context.WithoutCancel(ctx), r.Id); err != nil {
		d.logger.Error(fmt.Sprintf("releasing record %d", r.Id), err)
		d.storeErrCtr.Inc(1)
	}
}

func (d *dispatcher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.settings.MinBackoff
	bo.MaxInterval = d.settings.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Clock = d.clock
	bo.Reset()
	return bo
}
