package kafkafx

import (
	"context"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	kafkahost "github.com/loipv/kafka-hosting/kafka"
)

type nopProducer struct {
	mu     sync.Mutex
	events chan kafka.Event
	closed bool
}

var _ kafkahost.NativeProducer = (*nopProducer)(nil)

func newNopProducer() *nopProducer {
	return &nopProducer{events: make(chan kafka.Event, 1)}
}

func (p *nopProducer) Produce(*kafka.Message, chan kafka.Event) error { return nil }
func (p *nopProducer) Events() chan kafka.Event { return p.events }
func (p *nopProducer) Logs() chan kafka.LogEvent { return nil }
func (p *nopProducer) Flush(int) int { return 0 }
func (p *nopProducer) Len() int { return 0 }

func (p *nopProducer) GetMetadata(*string, bool, int) (*kafka.Metadata, error) {
	return &kafka.Metadata{}, nil
}

func (p *nopProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *nopProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// idleConsumer subscribes and never returns a message.
type idleConsumer struct {
	mu         sync.Mutex
	subscribed string
	closed     bool
}

var _ kafkahost.NativeConsumer = (*idleConsumer)(nil)

func (c *idleConsumer) Subscribe(topic string, _ kafka.RebalanceCb) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = topic
	return nil
}

func (c *idleConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	time.Sleep(timeout)
	return nil, kafka.NewError(kafka.ErrTimedOut, "Local: Timed out", false)
}

func (c *idleConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	return nil, nil
}

func (c *idleConsumer) Logs() chan kafka.LogEvent { return nil }

func (c *idleConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *idleConsumer) state() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed, c.closed
}

// recordingService is a BackgroundService that records its lifecycle.
type recordingService struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (s *recordingService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *recordingService) state() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.stopped
}
