package nats

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerRecordId     = "Goutbox-Record-Id"
	headerPartitionKey = "Goutbox-Partition-Key"
	headerCreatedAt    = "Goutbox-Created-At"
)

// publisher is the subset of jetstream.JetStream used by the emitter.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Emitter publishes outbox records to a JetStream subject and waits for the
// stream acknowledgement. The message id header is set as Nats-Msg-Id, so the
// stream drops the copies produced by a redelivery inside its duplicate window.
type Emitter struct {
	js     publisher
	prefix string
	logger gtbx.Logger
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

// New creates an emitter. Subjects are the queue name prepended with prefix
// unless the record carries a topic header.
func New(js publisher, prefix string) *Emitter {
	if js == nil || reflect.ValueOf(js).IsNil() {
		panic("JetStream is mandatory")
	}
	return &Emitter{
		js:     js,
		prefix: prefix,
		logger: &gtbx.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

func (e *Emitter) Emit(ctx context.Context, r *gtbx.OutboxRecord) error {
	msg := e.toNatsMsg(r)
	ack, err := e.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("could not publish the record %d: %w", r.Id, err)
	}
	if ack != nil {
		if ack.Duplicate {
			e.logger.Warn(fmt.Sprintf("record %d was already stored in stream %s", r.Id, ack.Stream))
		} else {
			e.logger.Debug(fmt.Sprintf("Delivered record %d to stream %s at sequence %d", r.Id, ack.Stream, ack.Sequence))
		}
	}
	return nil
}

func (e *Emitter) toNatsMsg(r *gtbx.OutboxRecord) *nats.Msg {
	msg := nats.NewMsg(e.subjectFor(r))
	msg.Data = r.Body
	for _, h := range r.Headers {
		msg.Header.Add(h.Key, h.Value)
	}
	if id, ok := r.MessageID(); ok {
		msg.Header.Set(nats.MsgIdHdr, id.String())
	}
	msg.Header.Set(headerRecordId, strconv.FormatInt(r.Id, 10))
	msg.Header.Set(headerCreatedAt, strconv.FormatInt(r.CreatedAt.UnixMilli(), 10))
	if r.PartitionKey != "" {
		msg.Header.Set(headerPartitionKey, r.PartitionKey)
	}
	return msg
}

func (e *Emitter) subjectFor(r *gtbx.OutboxRecord) string {
	if topic, ok := r.Headers.Get(gtbx.HeaderTopic); ok && topic != "" {
		return topic
	}
	return e.prefix + r.Queue
}

// Incoming adapts a consumed NATS message so it can be delivered through a
// gtbx.Inbox. Headers are sorted by key.
func Incoming(m *nats.Msg) *gtbx.IncomingMessage {
	in := &gtbx.IncomingMessage{Body: m.Data}
	keys := make([]string, 0, len(m.Header))
	for k := range m.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range m.Header[k] {
			in.Headers = append(in.Headers, gtbx.Header{Key: k, Value: v})
		}
	}
	return in
}
