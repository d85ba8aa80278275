package gtbx

import "github.com/jonboulle/clockwork"

// options holds the optional collaborators shared by Goutbox, Guard and
// Inbox.
type options struct {
	logger       Logger
	clock        Clock
	resolver     Resolver
	successCtr   Counter
	errorCtr     Counter
	storeErrCtr  Counter
	duplicateCtr Counter
}

// opt allows optional configuration.
type opt func(o *options)

func defaultOptions() *options {
	return &options{
		logger:       &NopLogger{},
		clock:        clockwork.NewRealClock(),
		resolver:     &HeaderResolver{},
		successCtr:   &NopCounter{},
		errorCtr:     &NopCounter{},
		storeErrCtr:  &NopCounter{},
		duplicateCtr: &NopCounter{},
	}
}

func applyOptions(opts []opt) *options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the real clock, mostly useful for tests.
func WithClock(c Clock) opt {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithResolver configures how an Inbox extracts the message identity.
func WithResolver(r Resolver) opt {
	return func(o *options) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithCounters configures the counters incremented on successful and failed
// operations: publications for dispatchers, handler executions for guards.
func WithCounters(success Counter, failure Counter) opt {
	return func(o *options) {
		if success != nil {
			o.successCtr = success
		}
		if failure != nil {
			o.errorCtr = failure
		}
	}
}

// WithOnStoreErrorCounter allows clients to count storage failures seen by
// the dispatchers.
func WithOnStoreErrorCounter(co Counter) opt {
	return func(o *options) {
		if co != nil {
			o.storeErrCtr = co
		}
	}
}

// WithOnDuplicateCounter allows clients to count messages skipped by a Guard.
func WithOnDuplicateCounter(co Counter) opt {
	return func(o *options) {
		if co != nil {
			o.duplicateCtr = co
		}
	}
}
