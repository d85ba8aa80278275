package tally

import (
	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	tally "github.com/uber-go/tally/v4"
)

const (
	DispatcherSuccess    = "goutbox_dispatcher_success"
	DispatcherFailure    = "goutbox_dispatcher_failure"
	DispatcherStoreError = "goutbox_dispatcher_store_error"
	InboxProcessed       = "goutbox_inbox_processed"
	InboxFailure         = "goutbox_inbox_failure"
	InboxDuplicate       = "goutbox_inbox_duplicate"
)

type Counter struct {
	Counter tally.Counter
}

var _ gtbx.Counter = (*Counter)(nil)

// New returns a Counter backed by the named counter of the scope.
func New(scope tally.Scope, name string) *Counter {
	return &Counter{Counter: scope.Counter(name)}
}

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}
