package gtbx

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultQueue = "default"

	HeaderMessageID   = "message-id"   // identity used by the inbox deduplication
	HeaderMessageName = "message-name" // classification label of the message
	HeaderTopic       = "topic"        // optional routing override for emitters
)

// Header is a single key/value pair of message metadata.
type Header struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// Headers is an ordered collection of message metadata.
type Headers []Header

// Get returns the value of the first header with the given key.
func (h Headers) Get(key string) (string, bool) {
	for _, hd := range h {
		if hd.Key == key {
			return hd.Value, true
		}
	}
	return "", false
}

// Set replaces the value of the first header with the given key, or appends
// a new header keeping the existing order.
func (h Headers) Set(key, value string) Headers {
	for i := range h {
		if h[i].Key == key {
			h[i].Value = value
			return h
		}
	}
	return append(h, Header{Key: key, Value: value})
}

// Message contains the information a producer provides to enqueue a unit of
// work in the outbox.
type Message struct {
	Queue        string    // logical queue the message belongs to (DefaultQueue if empty)
	PartitionKey string    // causal group; empty means no ordering constraint
	Body         []byte    // opaque payload
	Headers      Headers   // opaque metadata
	AvailableAt  time.Time // not claimable before this instant (zero = now)
}

// OutboxRecord contains all the information stored in the underlying outbox
// table.
type OutboxRecord struct {
	Id           int64
	Queue        string
	PartitionKey string
	Body         []byte
	Headers      Headers
	CreatedAt    time.Time
	AvailableAt  time.Time
	LeaseMarker  *time.Time
	Attempts     int
}

// MessageID returns the identity stamped in the record headers, if any.
func (r *OutboxRecord) MessageID() (uuid.UUID, bool) {
	v, ok := r.Headers.Get(HeaderMessageID)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PartitionStats summarizes the pending work of one partition of a queue.
type PartitionStats struct {
	PartitionKey string
	Pending      int
	Leased       int
	OldestLease  *time.Time
	MaxAttempts  int
}

// IncomingMessage is a message received from a broker that has to be
// processed exactly once by a handler.
type IncomingMessage struct {
	Body    []byte
	Headers Headers
}
