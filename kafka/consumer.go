package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NativeConsumer is the subset of *kafka.Consumer used by KafkaConsumer
type NativeConsumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Logs() chan kafka.LogEvent
	Close() error
}

var _ NativeConsumer = (*kafka.Consumer)(nil)

// Verify KafkaConsumer implements BackgroundService interface
var _ BackgroundService = (*KafkaConsumer[string, string])(nil)

// ConsumerOption configures a KafkaConsumer
type ConsumerOption func(*consumerSettings)

type consumerSettings struct {
	consumer       NativeConsumer
	dlq            *DeadLetterQueue
	rebalance      kafka.RebalanceCb
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
}

// WithNativeConsumer makes the consumer use c instead of building one from
// the options.
func WithNativeConsumer(c NativeConsumer) ConsumerOption {
	return func(s *consumerSettings) {
		s.consumer = c
	}
}

// WithDeadLetterQueue routes messages that fail to deserialize or to be
// handled to dlq. A dead-lettered message does not stop the consumer.
func WithDeadLetterQueue(dlq *DeadLetterQueue) ConsumerOption {
	return func(s *consumerSettings) {
		s.dlq = dlq
	}
}

// WithRebalanceCallback passes cb to the subscription. It runs after the
// consumer has logged the assignment change. When cb neither assigns nor
// unassigns, the client library applies the change itself.
func WithRebalanceCallback(cb kafka.RebalanceCb) ConsumerOption {
	return func(s *consumerSettings) {
		s.rebalance = cb
	}
}

// WithConsumerTracerProvider sets the tracer provider and propagator used
// when tracing is enabled. The global ones are used otherwise.
func WithConsumerTracerProvider(tp trace.TracerProvider, propagator propagation.TextMapPropagator) ConsumerOption {
	return func(s *consumerSettings) {
		s.tracerProvider = tp
		s.propagator = propagator
	}
}

// KafkaConsumer subscribes to its handler's topic and dispatches every
// message to it until cancelled. It runs either in the foreground (Run) or
// as a background service (Start/Stop).
type KafkaConsumer[K, V any] struct {
	consumer NativeConsumer
	handler  Handler[K, V]
	opts     ConsumerOptions
	tracer   *TracingService
	dlq      *DeadLetterQueue
	onRebal  kafka.RebalanceCb
	log      *zap.Logger

	keyDeser Deserializer[K]
	valDeser Deserializer[V]

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	closeOnce sync.Once
	closeErr  error
	stopLogs  chan struct{}
	logsDone  chan struct{}
}

// NewConsumer creates a consumer for handler. Keys and values use
// SchemaLess deserialization unless overridden.
func NewConsumer[K, V any](opts ConsumerOptions, handler Handler[K, V], log *zap.Logger, options ...ConsumerOption) (*KafkaConsumer[K, V], error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if handler.Topic() == "" {
		return nil, fmt.Errorf("handler topic is required")
	}

	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var settings consumerSettings
	for _, opt := range options {
		opt(&settings)
	}

	consumer := settings.consumer
	if consumer == nil {
		configMap, err := opts.ConfigMap()
		if err != nil {
			return nil, fmt.Errorf("consumer config: %w", err)
		}
		kc, err := kafka.NewConsumer(configMap)
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
		consumer = kc
	}

	c := &KafkaConsumer[K, V]{
		consumer: consumer,
		handler:  handler,
		opts:     opts,
		dlq:      settings.dlq,
		onRebal:  settings.rebalance,
		log: namedLogger(log, "kafka.consumer").With(
			zap.String("topic", handler.Topic()),
			zap.String("group_id", opts.GroupID),
		),
		keyDeser: SchemaLess[K]{},
		valDeser: SchemaLess[V]{},
		stopLogs: make(chan struct{}),
		logsDone: make(chan struct{}),
	}

	if opts.Tracing.Enabled {
		if settings.tracerProvider != nil {
			c.tracer = NewTracingServiceWithProvider(opts.Tracing, settings.tracerProvider, settings.propagator)
		} else {
			c.tracer = NewTracingService(opts.Tracing)
		}
	}

	go func() {
		defer close(c.logsDone)
		forwardLogs(c.log, consumer.Logs(), c.stopLogs)
	}()

	return c, nil
}

// WithKeyDeserializer sets the key deserializer.
func (c *KafkaConsumer[K, V]) WithKeyDeserializer(d Deserializer[K]) *KafkaConsumer[K, V] {
	c.keyDeser = d
	return c
}

// WithValueDeserializer sets the value deserializer.
func (c *KafkaConsumer[K, V]) WithValueDeserializer(d Deserializer[V]) *KafkaConsumer[K, V] {
	c.valDeser = d
	return c
}

// Topic returns the subscribed topic.
func (c *KafkaConsumer[K, V]) Topic() string {
	return c.handler.Topic()
}

// Run subscribes and consumes until ctx is cancelled, a fatal or
// unknown-topic consume error occurs, or the handler fails. Cancellation is
// not an error.
func (c *KafkaConsumer[K, V]) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	return c.consumeLoop(ctx)
}

// Start runs the consume loop in a background goroutine. The loop outlives
// ctx; it ends with Stop.
func (c *KafkaConsumer[K, V]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConsumerClosed
	}
	if c.done != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		err := c.Run(loopCtx)

		c.mu.Lock()
		c.err = err
		stopping := loopCtx.Err() != nil
		c.mu.Unlock()

		if err != nil {
			c.log.Error("Consumer stopped with error", zap.Error(err))
		}
		// Stop may have given up waiting; the consumer is released here.
		if stopping {
			_ = c.Close()
		}
	}()

	return nil
}

// Stop cancels the consume loop, waits for it to finish or ctx to be done,
// and closes the consumer.
func (c *KafkaConsumer[K, V]) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("Consumer stop timed out")
			return fmt.Errorf("stop consumer for %s: %w", c.Topic(), ctx.Err())
		}
	}

	c.mu.Lock()
	err := c.err
	c.mu.Unlock()

	return multierr.Append(err, c.Close())
}

// Close commits offsets and leaves the consumer group. It must not be called
// while the consume loop is running; Stop takes care of the ordering.
func (c *KafkaConsumer[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.log.Info("Consumer closing")
		if err := c.consumer.Close(); err != nil {
			c.closeErr = fmt.Errorf("close consumer: %w", err)
		}

		close(c.stopLogs)
		<-c.logsDone
	})
	return c.closeErr
}

// Done is closed when a loop started with Start has returned. It is nil
// before Start.
func (c *KafkaConsumer[K, V]) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error the background loop ended with, if any.
func (c *KafkaConsumer[K, V]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Running reports whether the consume loop is active.
func (c *KafkaConsumer[K, V]) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Health reports whether the consume loop is active.
func (c *KafkaConsumer[K, V]) Health() *HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	details := map[string]interface{}{
		"topic":   c.handler.Topic(),
		"groupId": c.opts.GroupID,
		"running": c.running,
	}

	switch {
	case c.running:
		return &HealthResult{Status: HealthStatusUp, Details: details}
	case c.err != nil:
		details["error"] = c.err.Error()
		return &HealthResult{Status: HealthStatusDown, Details: details, Error: c.err}
	default:
		return &HealthResult{Status: HealthStatusDown, Details: details}
	}
}

func (c *KafkaConsumer[K, V]) consumeLoop(ctx context.Context) error {
	topic := c.handler.Topic()
	if err := c.consumer.Subscribe(topic, c.rebalance); err != nil {
		err = fmt.Errorf("subscribe to %s: %w", topic, err)
		c.handler.HandleError(err)
		return err
	}

	c.log.Info("Consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Consumer stopped")
			return nil
		default:
		}

		msg, err := c.consumer.ReadMessage(c.opts.PollTimeout)
		if err != nil {
			if IsTimeout(err) {
				continue
			}

			var kerr kafka.Error
			if !errors.As(err, &kerr) {
				c.handler.HandleError(err)
				return err
			}

			cerr := newConsumeError(kerr, msg)
			if c.onConsumeError(cerr) {
				return cerr
			}
			continue
		}

		if err := c.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

// onConsumeError reports cerr to the handler and decides whether the loop
// must stop.
func (c *KafkaConsumer[K, V]) onConsumeError(cerr *ConsumeError) bool {
	c.handler.HandleConsumeError(cerr)

	if cerr.IsUnknownTopic() {
		c.log.Error("Error consuming message: " + cerr.Reason())
		return true
	}
	if cerr.IsFatal() {
		c.log.Error("Fatal consume error", zap.Error(cerr.Err), zap.String("code", cerr.Code().String()))
		return true
	}

	c.log.Warn("Consume error", zap.Error(cerr.Err), zap.String("code", cerr.Code().String()))
	return false
}

// rebalance logs partition assignment changes and forwards them to the
// callback set with WithRebalanceCallback.
func (c *KafkaConsumer[K, V]) rebalance(consumer *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		c.log.Info("Partitions assigned", zap.Stringers("partitions", e.Partitions))
	case kafka.RevokedPartitions:
		c.log.Info("Partitions revoked", zap.Stringers("partitions", e.Partitions))
	}

	if c.onRebal == nil {
		return nil
	}
	if err := c.onRebal(consumer, ev); err != nil {
		c.log.Error("Rebalance callback failed", zap.Stringer("event", ev), zap.Error(err))
		return err
	}
	return nil
}

// dispatch decodes raw and hands it to the handler. A non-nil return stops
// the loop.
func (c *KafkaConsumer[K, V]) dispatch(ctx context.Context, raw *kafka.Message) error {
	msg, cerr := c.decode(raw)
	if cerr != nil {
		if c.onConsumeError(cerr) {
			return cerr
		}
		if c.deadLetter(ctx, raw, cerr) {
			c.commit(raw)
		}
		return nil
	}

	err := c.handle(ctx, msg)
	if err == nil {
		c.commit(raw)
		return nil
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}

	herr := &HandlerError{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Err:       err,
	}
	if c.deadLetter(ctx, raw, herr) {
		c.commit(raw)
		return nil
	}

	c.handler.HandleError(herr)
	return herr
}

// handle runs the handler inside a consumer span; panics become errors.
func (c *KafkaConsumer[K, V]) handle(ctx context.Context, msg *Message[K, V]) (err error) {
	var endSpan func(error)
	if c.tracer != nil {
		ctx, endSpan = c.tracer.StartConsumerSpan(ctx, c.opts.GroupID, msg.raw)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		if endSpan != nil {
			endSpan(err)
		}
	}()

	return c.handler.HandleEvent(ctx, msg)
}

func (c *KafkaConsumer[K, V]) decode(raw *kafka.Message) (*Message[K, V], *ConsumeError) {
	topic := topicOf(raw)

	key, err := c.keyDeser.Deserialize(topic, raw.Key)
	if err != nil {
		return nil, newConsumeError(kafka.NewError(kafka.ErrKeyDeserialization, err.Error(), false), raw)
	}
	value, err := c.valDeser.Deserialize(topic, raw.Value)
	if err != nil {
		return nil, newConsumeError(kafka.NewError(kafka.ErrValueDeserialization, err.Error(), false), raw)
	}

	return &Message[K, V]{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Headers:   toHeaders(raw.Headers),
		Partition: raw.TopicPartition.Partition,
		Offset:    int64(raw.TopicPartition.Offset),
		Timestamp: raw.Timestamp,
		raw:       raw,
	}, nil
}

// deadLetter publishes raw to the dead-letter queue, when one is configured,
// and reports whether it was accepted.
func (c *KafkaConsumer[K, V]) deadLetter(ctx context.Context, raw *kafka.Message, cause error) bool {
	if c.dlq == nil || raw == nil {
		return false
	}
	if err := c.dlq.Publish(ctx, raw, cause); err != nil {
		c.log.Error("Failed to send message to dead-letter queue",
			zap.String("dlq_topic", c.dlq.Topic()),
			zap.Error(err),
		)
		return false
	}
	c.log.Warn("Message sent to dead-letter queue",
		zap.String("dlq_topic", c.dlq.Topic()),
		zap.Int32("partition", raw.TopicPartition.Partition),
		zap.Int64("offset", int64(raw.TopicPartition.Offset)),
		zap.Error(cause),
	)
	return true
}

func (c *KafkaConsumer[K, V]) commit(raw *kafka.Message) {
	if c.opts.AutoCommit() {
		return
	}
	if _, err := c.consumer.CommitMessage(raw); err != nil {
		c.log.Warn("Failed to commit offset",
			zap.Int32("partition", raw.TopicPartition.Partition),
			zap.Int64("offset", int64(raw.TopicPartition.Offset)),
			zap.Error(err),
		)
	}
}
