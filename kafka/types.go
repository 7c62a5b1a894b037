package kafka

import (
	"context"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Headers is a map of header key-value pairs
type Headers map[string][]byte

// Message is a typed Kafka record
type Message[K, V any] struct {
	Topic     string
	Key       K
	Value     V
	Headers   Headers
	Partition int32
	Offset    int64
	Timestamp time.Time

	// raw is the record as returned by the client library, nil for
	// messages built by application code.
	raw *kafka.Message
}

// Raw returns the underlying client library record, or nil when the message
// was not read from a broker.
func (m *Message[K, V]) Raw() *kafka.Message {
	return m.raw
}

// DeliveryReport reports whether a produced message was persisted
type DeliveryReport[K, V any] struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       K
	Value     V
	Headers   Headers

	// Error is nil when the broker acknowledged the message.
	Error error
}

// PartitionAny lets the partitioner pick the partition
const PartitionAny int32 = -1

// Acks configuration for producer acknowledgment
type Acks string

const (
	// AcksNone - No acknowledgment
	AcksNone Acks = "0"
	// AcksLeader - Leader acknowledgment only
	AcksLeader Acks = "1"
	// AcksAll - All in-sync replicas acknowledgment
	AcksAll Acks = "all"
)

// Compression types for message compression
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGZIP   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
	CompressionLZ4    Compression = "lz4"
	CompressionZSTD   Compression = "zstd"
)

// AutoOffsetReset decides where a new consumer group starts reading
type AutoOffsetReset string

const (
	OffsetEarliest AutoOffsetReset = "earliest"
	OffsetLatest   AutoOffsetReset = "latest"
	OffsetError    AutoOffsetReset = "error"
)

// HealthStatus represents health check status
type HealthStatus string

const (
	// HealthStatusUp indicates the service is healthy
	HealthStatusUp HealthStatus = "UP"
	// HealthStatusDown indicates the service is unhealthy
	HealthStatusDown HealthStatus = "DOWN"
)

// HealthResult represents health check result
type HealthResult struct {
	Status  HealthStatus           `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Error   error                  `json:"-"`
}

// BackgroundService is a long-running task driven by a host lifecycle.
// Start must not block; Stop must return once the task has finished or ctx
// is done.
type BackgroundService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Producer produces typed messages to the topic it is bound to
type Producer[K, V any] interface {
	// ProduceAsync produces a message and blocks until its delivery report
	// is available or ctx is done.
	ProduceAsync(ctx context.Context, key K, value V) (DeliveryReport[K, V], error)

	// Produce enqueues a message and returns immediately. Delivery
	// information is passed to deliveryHandler, when not nil, from the
	// client handle's event loop.
	Produce(key K, value V, deliveryHandler func(DeliveryReport[K, V])) error

	// Flush waits until all outstanding produce requests and delivery
	// report callbacks are completed, or timeout elapses. It returns the
	// number of messages still waiting to be sent or acknowledged. When
	// the client handle is shared, messages produced by the other
	// producers are waited on as well.
	Flush(timeout time.Duration) int
}

// Handler is implemented by application consumers. It declares the topic
// and processes its messages.
type Handler[K, V any] interface {
	// Topic is the topic the consumer subscribes to.
	Topic() string

	// HandleEvent processes one message. A non-nil error stops the
	// consumer unless a dead-letter queue takes the message.
	HandleEvent(ctx context.Context, msg *Message[K, V]) error

	// HandleConsumeError is called for errors reported by the client
	// library while consuming.
	HandleConsumeError(err *ConsumeError)

	// HandleError is called for any other error, including handler
	// failures and panics.
	HandleError(err error)
}

// HandlerFuncs adapts plain functions to the Handler interface. Nil hooks
// are skipped.
type HandlerFuncs[K, V any] struct {
	TopicName      string
	OnEvent        func(ctx context.Context, msg *Message[K, V]) error
	OnConsumeError func(err *ConsumeError)
	OnError        func(err error)
}

var _ Handler[string, string] = HandlerFuncs[string, string]{}

func (h HandlerFuncs[K, V]) Topic() string { return h.TopicName }

func (h HandlerFuncs[K, V]) HandleEvent(ctx context.Context, msg *Message[K, V]) error {
	if h.OnEvent == nil {
		return nil
	}
	return h.OnEvent(ctx, msg)
}

func (h HandlerFuncs[K, V]) HandleConsumeError(err *ConsumeError) {
	if h.OnConsumeError != nil {
		h.OnConsumeError(err)
	}
}

func (h HandlerFuncs[K, V]) HandleError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func toHeaders(hs []kafka.Header) Headers {
	if len(hs) == 0 {
		return nil
	}
	headers := make(Headers, len(hs))
	for _, h := range hs {
		headers[h.Key] = h.Value
	}
	return headers
}

func fromHeaders(headers Headers) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	hs := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		hs = append(hs, kafka.Header{Key: k, Value: v})
	}
	return hs
}
