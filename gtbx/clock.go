package gtbx

import "github.com/jonboulle/clockwork"

// Clock is the time source used for lease comparisons and polling waits. In
// production clockwork.NewRealClock() is used; tests use a fake clock.
type Clock = clockwork.Clock
