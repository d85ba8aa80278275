package test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	tally "github.com/uber-go/tally/v4"
)

// TestLogger keeps the logged messages in memory.
type TestLogger struct {
	mu     sync.Mutex
	Lines  []string
	Errors []error
}

func (l *TestLogger) Debug(msg string) { l.add(msg, nil) }

func (l *TestLogger) Info(msg string) { l.add(msg, nil) }

func (l *TestLogger) Warn(msg string) { l.add(msg, nil) }

func (l *TestLogger) Error(msg string, err error) { l.add(msg, err) }

func (l *TestLogger) add(msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, msg)
	if err != nil {
		l.Errors = append(l.Errors, err)
	}
}

// ErrorCount returns how many errors were logged.
func (l *TestLogger) ErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Errors)
}

// TestCounter is a goroutine safe counter.
type TestCounter struct {
	value atomic.Int64
}

func (c *TestCounter) Inc(delta int64) {
	c.value.Add(delta)
}

func (c *TestCounter) Value() int64 {
	return c.value.Load()
}

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		internal <- p.MockedReportToSend
	}

	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedJetStream captures the published messages and answers with a
// predefined acknowledgement.
type MockedJetStream struct {
	Snitch chan *nats.Msg
	Ack    *jetstream.PubAck
	RetVal error
}

func (js *MockedJetStream) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js.Snitch <- msg
	if js.RetVal != nil {
		return nil, js.RetVal
	}
	return js.Ack, nil
}
