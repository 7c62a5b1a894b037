package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() *kafka.Metadata {
	return &kafka.Metadata{
		Brokers: []kafka.BrokerMetadata{
			{ID: 1, Host: "b1", Port: 9092},
			{ID: 2, Host: "b2", Port: 9092},
		},
		Topics: map[string]kafka.TopicMetadata{
			"orders": {
				Topic: "orders",
				Partitions: []kafka.PartitionMetadata{
					{ID: 0, Leader: 1, Replicas: []int32{1, 2}, Isrs: []int32{1, 2}},
					{ID: 1, Leader: 2, Replicas: []int32{1, 2}, Isrs: []int32{2}},
				},
			},
			"broken": {
				Topic: "broken",
				Error: kafka.NewError(kafka.ErrLeaderNotAvailable, "Broker: Leader not available", false),
			},
		},
		OriginatingBroker: kafka.BrokerMetadata{ID: 1, Host: "b1", Port: 9092},
	}
}

func TestHealthChecker_Check(t *testing.T) {
	p := newFakeProducer()
	p.metadata = testMetadata()
	checker := NewHealthChecker(newTestHandle(t, p))

	result := checker.Check(context.Background())
	require.Equal(t, HealthStatusUp, result.Status)
	assert.Equal(t, 2, result.Details["brokerCount"])
	assert.Equal(t, int32(1), result.Details["originatingId"])
}

func TestHealthChecker_CheckDown(t *testing.T) {
	p := newFakeProducer()
	p.metaErr = kafka.NewError(kafka.ErrTransport, "Local: Broker transport failure", false)
	handle := newTestHandle(t, p)
	checker := NewHealthChecker(handle)

	result := checker.Check(context.Background())
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.Equal(t, p.metaErr, result.Error)

	p.metaErr = nil
	p.metadata = &kafka.Metadata{}
	result = checker.Check(context.Background())
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.Equal(t, "no brokers available", result.Details["error"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result = checker.Check(ctx)
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.ErrorIs(t, result.Error, context.Canceled)

	require.NoError(t, handle.Close())
	result = checker.Check(context.Background())
	assert.ErrorIs(t, result.Error, ErrHandleClosed)
}

func TestHealthChecker_CheckTopic(t *testing.T) {
	p := newFakeProducer()
	p.metadata = testMetadata()
	checker := NewHealthChecker(newTestHandle(t, p))

	result := checker.CheckTopic(context.Background(), "orders")
	require.Equal(t, HealthStatusUp, result.Status)
	assert.Equal(t, 2, result.Details["partitionCount"])

	result = checker.CheckTopic(context.Background(), "missing")
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.Equal(t, "missing", result.Details["topic"])

	result = checker.CheckTopic(context.Background(), "broken")
	assert.Equal(t, HealthStatusDown, result.Status)
	assert.Contains(t, result.Details["error"], "Leader not available")
}

func TestHealthChecker_CloseDuringCheck(t *testing.T) {
	p := newFakeProducer()
	p.metadata = testMetadata()
	p.metaStarted = make(chan struct{}, 1)
	p.metaGate = make(chan struct{})
	handle := newTestHandle(t, p)
	checker := NewHealthChecker(handle)

	results := make(chan *HealthResult, 1)
	go func() { results <- checker.Check(context.Background()) }()
	<-p.metaStarted

	closed := make(chan error, 1)
	go func() { closed <- handle.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the metadata request")
	}

	close(p.metaGate)
	result := <-results
	assert.Equal(t, HealthStatusUp, result.Status)

	assert.Equal(t, HealthStatusDown, checker.Check(context.Background()).Status)
}
