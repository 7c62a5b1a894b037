package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NativeProducer is the subset of *kafka.Producer used by the client handle
type NativeProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Logs() chan kafka.LogEvent
	Flush(timeoutMs int) int
	Len() int
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close()
}

var _ NativeProducer = (*kafka.Producer)(nil)

// deliveryCallback travels in kafka.Message.Opaque and receives the
// message's delivery report from the event loop.
type deliveryCallback func(*kafka.Message)

// HandleOption configures a ClientHandle
type HandleOption func(*handleSettings)

type handleSettings struct {
	producer       NativeProducer
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
}

// WithNativeProducer makes the handle use producer instead of building one
// from the options.
func WithNativeProducer(producer NativeProducer) HandleOption {
	return func(s *handleSettings) {
		s.producer = producer
	}
}

// WithTracerProvider sets the tracer provider and propagator used when
// tracing is enabled. The global ones are used otherwise.
func WithTracerProvider(tp trace.TracerProvider, propagator propagation.TextMapPropagator) HandleOption {
	return func(s *handleSettings) {
		s.tracerProvider = tp
		s.propagator = propagator
	}
}

// ClientHandle owns one native producer. Every KafkaProducer built from the
// same handle produces through it, sharing its broker connections.
type ClientHandle struct {
	producer NativeProducer
	opts     ProducerOptions
	tracer   *TracingService
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool

	done       chan struct{}
	eventsDone chan struct{}
	logsDone   chan struct{}
}

// NewClientHandle creates the shared native producer.
func NewClientHandle(opts ProducerOptions, log *zap.Logger, options ...HandleOption) (*ClientHandle, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var settings handleSettings
	for _, opt := range options {
		opt(&settings)
	}

	producer := settings.producer
	if producer == nil {
		configMap, err := opts.ConfigMap()
		if err != nil {
			return nil, fmt.Errorf("producer config: %w", err)
		}
		p, err := kafka.NewProducer(configMap)
		if err != nil {
			return nil, fmt.Errorf("failed to create producer: %w", err)
		}
		producer = p
	}

	h := &ClientHandle{
		producer:   producer,
		opts:       opts,
		log:        namedLogger(log, "kafka.handle"),
		done:       make(chan struct{}),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
	}

	if opts.Tracing.Enabled {
		h.tracer = newTracer(opts.Tracing, settings)
	}

	go h.handleEvents()
	go func() {
		defer close(h.logsDone)
		forwardLogs(h.log, producer.Logs(), h.done)
	}()

	h.log.Info("Kafka client handle created",
		zap.String("bootstrap_servers", opts.BootstrapServers),
		zap.String("client_id", opts.ClientID),
		zap.Bool("tracing", h.tracer != nil),
	)

	return h, nil
}

func newTracer(opts TracingOptions, settings handleSettings) *TracingService {
	if settings.tracerProvider != nil {
		return NewTracingServiceWithProvider(opts, settings.tracerProvider, settings.propagator)
	}
	return NewTracingService(opts)
}

// Native returns the underlying *kafka.Producer, or nil when the handle was
// built around another NativeProducer.
func (h *ClientHandle) Native() *kafka.Producer {
	p, _ := h.producer.(*kafka.Producer)
	return p
}

// Len returns the number of messages and requests waiting to be transmitted
// or acknowledged.
func (h *ClientHandle) Len() int {
	return h.producer.Len()
}

// Flush waits until outstanding produce requests and delivery callbacks are
// completed or timeout elapses, and returns the remaining queue length.
func (h *ClientHandle) Flush(timeout time.Duration) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	return h.producer.Flush(int(timeout.Milliseconds()))
}

// Close blocks until all outstanding produce requests have completed, with
// or without error, then releases the native producer.
func (h *ClientHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.log.Info("Kafka client handle closing", zap.Int("pending", h.producer.Len()))

	var err error
	if remaining := h.producer.Flush(int(h.opts.FlushTimeout.Milliseconds())); remaining > 0 {
		err = fmt.Errorf("%d messages still in queue after flush", remaining)
		h.log.Warn("Flush timed out", zap.Int("remaining", remaining), zap.Duration("timeout", h.opts.FlushTimeout))
	}

	h.producer.Close()

	close(h.done)
	<-h.eventsDone
	<-h.logsDone

	return err
}

// produceAndWait produces msg and waits for its delivery report.
func (h *ClientHandle) produceAndWait(ctx context.Context, msg *kafka.Message) (*kafka.Message, error) {
	topic := topicOf(msg)

	var endSpan func(error)
	if h.tracer != nil {
		ctx, endSpan = h.tracer.StartProducerSpan(ctx, msg)
	}
	end := func(err error) {
		if endSpan != nil {
			endSpan(err)
		}
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := h.enqueue(msg, deliveryChan); err != nil {
		end(err)
		return nil, fmt.Errorf("produce to %s: %w", topic, err)
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			err := fmt.Errorf("unexpected delivery event %v", e)
			end(err)
			return nil, err
		}
		if m.TopicPartition.Error != nil {
			end(m.TopicPartition.Error)
			return m, fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
		end(nil)
		return m, nil
	case <-ctx.Done():
		end(ctx.Err())
		return nil, ctx.Err()
	}
}

// produceWithCallback enqueues msg; onDelivery, when not nil, is called from
// the event loop with the delivery report.
func (h *ClientHandle) produceWithCallback(ctx context.Context, msg *kafka.Message, onDelivery func(*kafka.Message)) error {
	var endSpan func(error)
	if h.tracer != nil {
		_, endSpan = h.tracer.StartProducerSpan(ctx, msg)
	}

	msg.Opaque = deliveryCallback(func(m *kafka.Message) {
		if endSpan != nil {
			endSpan(m.TopicPartition.Error)
		}
		if onDelivery != nil {
			onDelivery(m)
			return
		}
		if m.TopicPartition.Error != nil {
			h.log.Error("Delivery failed",
				zap.String("topic", topicOf(m)),
				zap.Error(m.TopicPartition.Error),
			)
		}
	})

	if err := h.enqueue(msg, nil); err != nil {
		if endSpan != nil {
			endSpan(err)
		}
		return fmt.Errorf("produce to %s: %w", topicOf(msg), err)
	}
	return nil
}

func (h *ClientHandle) enqueue(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHandleClosed
	}
	return h.producer.Produce(msg, deliveryChan)
}

// handleEvents dispatches delivery reports and client errors
func (h *ClientHandle) handleEvents() {
	defer close(h.eventsDone)

	events := h.producer.Events()
	for {
		select {
		case <-h.done:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch ev := e.(type) {
			case *kafka.Message:
				if cb, ok := ev.Opaque.(deliveryCallback); ok {
					h.invoke(cb, ev)
					continue
				}
				if ev.TopicPartition.Error != nil {
					h.log.Error("Delivery failed",
						zap.String("topic", topicOf(ev)),
						zap.Error(ev.TopicPartition.Error),
					)
				}
			case kafka.Error:
				if ev.IsFatal() {
					h.log.Error("Fatal producer error", zap.Error(ev), zap.String("code", ev.Code().String()))
				} else {
					h.log.Warn("Producer error", zap.Error(ev), zap.String("code", ev.Code().String()))
				}
			}
		}
	}
}

// invoke runs an application delivery callback; a panicking callback must
// not take the event loop down.
func (h *ClientHandle) invoke(cb deliveryCallback, m *kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Delivery handler panicked",
				zap.String("topic", topicOf(m)),
				zap.Any("panic", r),
			)
		}
	}()
	cb(m)
}
