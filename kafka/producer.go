package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Verify KafkaProducer implements Producer interface
var _ Producer[string, string] = (*KafkaProducer[string, string])(nil)

// KafkaProducer produces typed messages to one topic through a shared
// ClientHandle. Application producers embed it:
//
//	type OrderProducer struct {
//	    *kafka.KafkaProducer[string, Order]
//	}
//
//	func NewOrderProducer(handle *kafka.ClientHandle) *OrderProducer {
//	    return &OrderProducer{kafka.NewProducer[string, Order](handle, "orders")}
//	}
type KafkaProducer[K, V any] struct {
	handle  *ClientHandle
	topic   string
	keySer  Serializer[K]
	valSer  Serializer[V]
	headers Headers
}

// NewProducer binds a producer to topic on the shared handle. Keys and values
// use SchemaLess serialization unless overridden.
func NewProducer[K, V any](handle *ClientHandle, topic string) *KafkaProducer[K, V] {
	return &KafkaProducer[K, V]{
		handle: handle,
		topic:  topic,
		keySer: SchemaLess[K]{},
		valSer: SchemaLess[V]{},
	}
}

// WithKeySerializer sets the key serializer.
func (p *KafkaProducer[K, V]) WithKeySerializer(s Serializer[K]) *KafkaProducer[K, V] {
	p.keySer = s
	return p
}

// WithValueSerializer sets the value serializer.
func (p *KafkaProducer[K, V]) WithValueSerializer(s Serializer[V]) *KafkaProducer[K, V] {
	p.valSer = s
	return p
}

// WithHeaders sets headers added to every message. Per-message headers win
// on conflict.
func (p *KafkaProducer[K, V]) WithHeaders(headers Headers) *KafkaProducer[K, V] {
	p.headers = headers
	return p
}

// Topic returns the topic the producer is bound to.
func (p *KafkaProducer[K, V]) Topic() string {
	return p.topic
}

// ProduceAsync produces a message and blocks until its delivery report is
// available or ctx is done.
func (p *KafkaProducer[K, V]) ProduceAsync(ctx context.Context, key K, value V) (DeliveryReport[K, V], error) {
	return p.ProduceMessage(ctx, &Message[K, V]{Key: key, Value: value})
}

// ProduceMessage is ProduceAsync with explicit headers, partition and
// timestamp. msg.Topic is ignored.
func (p *KafkaProducer[K, V]) ProduceMessage(ctx context.Context, msg *Message[K, V]) (DeliveryReport[K, V], error) {
	kafkaMsg, err := p.build(msg)
	if err != nil {
		return DeliveryReport[K, V]{}, err
	}

	delivered, err := p.handle.produceAndWait(ctx, kafkaMsg)
	if delivered == nil {
		return DeliveryReport[K, V]{}, err
	}
	return p.report(delivered, msg.Key, msg.Value), err
}

// Produce enqueues a message and returns without waiting. deliveryHandler,
// when not nil, receives the delivery report from the handle's event loop.
func (p *KafkaProducer[K, V]) Produce(key K, value V, deliveryHandler func(DeliveryReport[K, V])) error {
	kafkaMsg, err := p.build(&Message[K, V]{Key: key, Value: value})
	if err != nil {
		return err
	}

	var onDelivery func(*kafka.Message)
	if deliveryHandler != nil {
		onDelivery = func(m *kafka.Message) {
			deliveryHandler(p.report(m, key, value))
		}
	}
	return p.handle.produceWithCallback(context.Background(), kafkaMsg, onDelivery)
}

// Flush waits for outstanding messages of every producer sharing the handle.
func (p *KafkaProducer[K, V]) Flush(timeout time.Duration) int {
	return p.handle.Flush(timeout)
}

func (p *KafkaProducer[K, V]) build(msg *Message[K, V]) (*kafka.Message, error) {
	key, err := p.keySer.Serialize(p.topic, msg.Key)
	if err != nil {
		return nil, fmt.Errorf("serialize key for %s: %w", p.topic, err)
	}
	value, err := p.valSer.Serialize(p.topic, msg.Value)
	if err != nil {
		return nil, fmt.Errorf("serialize value for %s: %w", p.topic, err)
	}

	topic := p.topic
	kafkaMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   key,
		Value: value,
	}

	if msg.Partition > 0 {
		kafkaMsg.TopicPartition.Partition = msg.Partition
	}
	if !msg.Timestamp.IsZero() {
		kafkaMsg.Timestamp = msg.Timestamp
	}

	headers := make(Headers, len(p.headers)+len(msg.Headers))
	for k, v := range p.headers {
		headers[k] = v
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	kafkaMsg.Headers = fromHeaders(headers)

	return kafkaMsg, nil
}

func (p *KafkaProducer[K, V]) report(m *kafka.Message, key K, value V) DeliveryReport[K, V] {
	report := DeliveryReport[K, V]{
		Topic:     topicOf(m),
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Timestamp: m.Timestamp,
		Key:       key,
		Value:     value,
		Headers:   toHeaders(m.Headers),
		Error:     m.TopicPartition.Error,
	}
	return report
}
