package gtbx

import (
	"time"
)

const (
	defaultWorkers          int           = 2
	defaultPollingInterval  time.Duration = time.Second * 3
	defaultRedeliverTimeout time.Duration = time.Minute
	defaultMinBackoff       time.Duration = time.Millisecond * 200
	defaultMaxBackoff       time.Duration = time.Second * 30
)

// Settings holds the general Goutbox module configuration.
type Settings struct {
	EnableDispatcher bool          // enables the dispatchers draining the outbox
	Queues           []string      // queues drained by the dispatchers
	Workers          int           // concurrent dispatchers per queue
	PollingInterval  time.Duration // wait between claims when the queue is empty
	RedeliverTimeout time.Duration // lease duration; should exceed the worst publish latency
	NackOnFailure    bool          // release the lease right after a failed publish instead of waiting for the lease to expire
	MinBackoff       time.Duration // first wait after a store or publish failure
	MaxBackoff       time.Duration // upper bound of the failure backoff
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if len(s.Queues) == 0 {
			s.Queues = []string{DefaultQueue}
		}
		if s.Workers <= 0 {
			s.Workers = defaultWorkers
		}
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.RedeliverTimeout <= 0 {
			s.RedeliverTimeout = defaultRedeliverTimeout
		}
		if s.MinBackoff <= 0 {
			s.MinBackoff = defaultMinBackoff
		}
		if s.MaxBackoff < s.MinBackoff {
			s.MaxBackoff = defaultMaxBackoff
			if s.MaxBackoff < s.MinBackoff {
				s.MaxBackoff = s.MinBackoff
			}
		}
	}
}
