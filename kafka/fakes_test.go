package kafka

import (
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeProducer acknowledges every message immediately. Delivery reports go to
// the per-message channel when there is one and to Events otherwise.
type fakeProducer struct {
	mu       sync.Mutex
	events   chan kafka.Event
	logs     chan kafka.LogEvent
	produced []*kafka.Message
	offset   kafka.Offset
	closed   bool

	produceErr error
	deliverErr error
	hold       bool
	pending    int
	metadata   *kafka.Metadata
	metaErr    error

	// When metaGate is set, GetMetadata signals metaStarted and blocks
	// until metaGate is closed.
	metaStarted chan struct{}
	metaGate    chan struct{}
}

var _ NativeProducer = (*fakeProducer)(nil)

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		events: make(chan kafka.Event, 64),
		logs:   make(chan kafka.LogEvent, 8),
	}
}

func (p *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.produceErr != nil {
		return p.produceErr
	}
	p.produced = append(p.produced, msg)
	if p.hold {
		p.pending++
		return nil
	}

	delivered := *msg
	delivered.TopicPartition.Partition = 0
	delivered.TopicPartition.Offset = p.offset
	delivered.TopicPartition.Error = p.deliverErr
	p.offset++

	if deliveryChan != nil {
		deliveryChan <- &delivered
	} else {
		p.events <- &delivered
	}
	return nil
}

func (p *fakeProducer) Events() chan kafka.Event { return p.events }
func (p *fakeProducer) Logs() chan kafka.LogEvent { return p.logs }

func (p *fakeProducer) Flush(int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *fakeProducer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *fakeProducer) GetMetadata(*string, bool, int) (*kafka.Metadata, error) {
	p.mu.Lock()
	started, gate := p.metaStarted, p.metaGate
	p.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata, p.metaErr
}

func (p *fakeProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

func (p *fakeProducer) messages() []*kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*kafka.Message(nil), p.produced...)
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type readResult struct {
	msg *kafka.Message
	err error
}

// fakeConsumer serves ReadMessage from a queue and times out when it is
// empty, like a consumer with nothing to fetch.
type fakeConsumer struct {
	mu           sync.Mutex
	queue        chan readResult
	logs         chan kafka.LogEvent
	subscribed   []string
	rebalanceCb  kafka.RebalanceCb
	committed    []*kafka.Message
	closeCalls   int
	subscribeErr error
}

var _ NativeConsumer = (*fakeConsumer)(nil)

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		queue: make(chan readResult, 64),
		logs:  make(chan kafka.LogEvent, 8),
	}
}

func (c *fakeConsumer) Subscribe(topic string, cb kafka.RebalanceCb) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribed = append(c.subscribed, topic)
	c.rebalanceCb = cb
	return nil
}

func (c *fakeConsumer) rebalanceCallback() kafka.RebalanceCb {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebalanceCb
}

func (c *fakeConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	select {
	case r := <-c.queue:
		return r.msg, r.err
	case <-time.After(timeout):
		return nil, kafka.NewError(kafka.ErrTimedOut, "Local: Timed out", false)
	}
}

func (c *fakeConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, m)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *fakeConsumer) Logs() chan kafka.LogEvent { return c.logs }

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConsumer) push(msg *kafka.Message) {
	c.queue <- readResult{msg: msg}
}

func (c *fakeConsumer) fail(err kafka.Error) {
	c.queue <- readResult{err: err}
}

func (c *fakeConsumer) commits() []*kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*kafka.Message(nil), c.committed...)
}

func (c *fakeConsumer) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func record(topic string, offset int64, key, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: 0,
			Offset:    kafka.Offset(offset),
		},
		Key:   []byte(key),
		Value: []byte(value),
	}
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func newTestHandle(t *testing.T, p *fakeProducer, opts ...HandleOption) *ClientHandle {
	t.Helper()
	handle, err := NewClientHandle(ProducerOptions{BootstrapServers: "localhost:9092"}, zap.NewNop(),
		append([]HandleOption{WithNativeProducer(p)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}
