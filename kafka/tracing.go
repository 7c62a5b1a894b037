package kafka

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for messaging
const (
	MessagingSystemKey              = "messaging.system"
	MessagingDestinationNameKey     = "messaging.destination.name"
	MessagingDestinationPartitionID = "messaging.destination.partition.id"
	MessagingOperationNameKey       = "messaging.operation.name"
	MessagingOperationTypeKey       = "messaging.operation.type"
	MessagingKafkaOffsetKey         = "messaging.kafka.offset"
	MessagingKafkaConsumerGroupKey  = "messaging.kafka.consumer.group"
	MessagingKafkaMessageKeyKey     = "messaging.kafka.message.key"
)

const defaultTracerName = "github.com/loipv/kafka-hosting"

// TracingService provides OpenTelemetry tracing for Kafka operations
type TracingService struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingService creates a tracing service from the global tracer
// provider and propagator.
func NewTracingService(opts TracingOptions) *TracingService {
	return NewTracingServiceWithProvider(opts, otel.GetTracerProvider(), otel.GetTextMapPropagator())
}

// NewTracingServiceWithProvider creates a tracing service with an explicit
// tracer provider and propagator.
func NewTracingServiceWithProvider(opts TracingOptions, tp trace.TracerProvider, propagator propagation.TextMapPropagator) *TracingService {
	tracerName := opts.TracerName
	if tracerName == "" {
		tracerName = defaultTracerName
	}

	tracerVersion := opts.TracerVersion
	if tracerVersion == "" {
		tracerVersion = Version
	}

	return &TracingService{
		tracer:     tp.Tracer(tracerName, trace.WithInstrumentationVersion(tracerVersion)),
		propagator: propagator,
	}
}

// StartProducerSpan starts a span for producing msg and injects its context
// into the message headers.
func (t *TracingService) StartProducerSpan(ctx context.Context, msg *kafka.Message) (context.Context, func(error)) {
	topic := topicOf(msg)

	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s publish", topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(MessagingSystemKey, "kafka"),
			attribute.String(MessagingDestinationNameKey, topic),
			attribute.String(MessagingOperationNameKey, "publish"),
			attribute.String(MessagingOperationTypeKey, "publish"),
		),
	)

	if msg.Key != nil {
		span.SetAttributes(attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}
	if msg.TopicPartition.Partition >= 0 {
		span.SetAttributes(attribute.Int(MessagingDestinationPartitionID, int(msg.TopicPartition.Partition)))
	}

	t.propagator.Inject(ctx, &kafkaHeaderCarrier{msg: msg})

	return ctx, endSpanFunc(span)
}

// StartConsumerSpan starts a span for processing msg, parented on the trace
// context carried in its headers.
func (t *TracingService) StartConsumerSpan(ctx context.Context, groupID string, msg *kafka.Message) (context.Context, func(error)) {
	ctx = t.propagator.Extract(ctx, &kafkaHeaderCarrier{msg: msg})
	topic := topicOf(msg)

	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("%s %s process", groupID, topic),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(MessagingSystemKey, "kafka"),
			attribute.String(MessagingDestinationNameKey, topic),
			attribute.Int(MessagingDestinationPartitionID, int(msg.TopicPartition.Partition)),
			attribute.String(MessagingOperationNameKey, "process"),
			attribute.String(MessagingOperationTypeKey, "process"),
			attribute.Int64(MessagingKafkaOffsetKey, int64(msg.TopicPartition.Offset)),
			attribute.String(MessagingKafkaConsumerGroupKey, groupID),
		),
	)

	if msg.Key != nil {
		span.SetAttributes(attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}

	return ctx, endSpanFunc(span)
}

func endSpanFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func topicOf(msg *kafka.Message) string {
	if msg.TopicPartition.Topic == nil {
		return ""
	}
	return *msg.TopicPartition.Topic
}

// kafkaHeaderCarrier implements propagation.TextMapCarrier for kafka.Message
type kafkaHeaderCarrier struct {
	msg *kafka.Message
}

func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *kafkaHeaderCarrier) Set(key, val string) {
	for i := range c.msg.Headers {
		if c.msg.Headers[i].Key == key {
			c.msg.Headers[i].Value = []byte(val)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{
		Key:   key,
		Value: []byte(val),
	})
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
