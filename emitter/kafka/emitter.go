package kafka

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

const (
	headerRecordId  = "id"
	headerCreatedAt = "createdAt"
)

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Emitter publishes outbox records to Kafka. The partition key of the record
// becomes the Kafka message key, so records of the same partition land in the
// same Kafka partition and keep their order.
type Emitter struct {
	producer kafkaProducer
	logger   gtbx.Logger
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &gtbx.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

// Emit produces the record and waits for its delivery report.
func (e *Emitter) Emit(ctx context.Context, r *gtbx.OutboxRecord) error {
	// one slot so the producer never blocks on an abandoned report
	internal := make(chan kafka.Event, 1)

	topic := topicFor(r)
	err := e.producer.Produce(toKafkaMessage(r, topic), internal)
	if err != nil {
		return fmt.Errorf("could not produce the record %d: %w", r.Id, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-internal:
			switch m := ev.(type) {
			case *kafka.Message:
				if m.TopicPartition.Error != nil {
					return fmt.Errorf("could not deliver the record %d: %w", r.Id, m.TopicPartition.Error)
				}
				e.logger.Debug(fmt.Sprintf("Delivered record %d to topic %s [%d] at offset %v",
					r.Id, topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
				return nil
			default:
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
		}
	}
}

func toKafkaMessage(r *gtbx.OutboxRecord, topic string) *kafka.Message {
	var key []byte
	if r.PartitionKey != "" {
		key = []byte(r.PartitionKey)
	}
	headers := make([]kafka.Header, 0, len(r.Headers)+2)
	for _, h := range r.Headers {
		headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	headers = append(headers,
		kafka.Header{Key: headerRecordId, Value: []byte(strconv.FormatInt(r.Id, 10))},
		kafka.Header{Key: headerCreatedAt, Value: []byte(strconv.FormatInt(r.CreatedAt.UnixMilli(), 10))},
	)
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          r.Body,
		Headers:        headers,
	}
}

// topicFor honors an explicit topic header and falls back to a name derived
// from the queue.
func topicFor(r *gtbx.OutboxRecord) string {
	if topic, ok := r.Headers.Get(gtbx.HeaderTopic); ok && topic != "" {
		return topic
	}
	return buildTopicName(r.Queue)
}

// buildTopicName builds a topic name from a queue name (e.g. if queue="RestaurantEvents"
// then topic name is "outbox-restaurant-events").
func buildTopicName(queue string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(queue))
}

// Incoming adapts a consumed Kafka message so it can be delivered through a
// gtbx.Inbox.
func Incoming(m *kafka.Message) *gtbx.IncomingMessage {
	in := &gtbx.IncomingMessage{Body: m.Value}
	for _, h := range m.Headers {
		in.Headers = append(in.Headers, gtbx.Header{Key: h.Key, Value: string(h.Value)})
	}
	return in
}
