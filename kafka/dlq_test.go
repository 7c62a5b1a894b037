package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterQueue_Publish(t *testing.T) {
	p := newFakeProducer()
	dlq := NewDeadLetterQueue(newTestHandle(t, p), "orders.dlq")
	assert.Equal(t, "orders.dlq", dlq.Topic())

	raw := record("orders", 42, "k", "v")
	raw.TopicPartition.Partition = 3
	raw.Headers = []kafka.Header{{Key: "trace", Value: []byte("abc")}}

	require.NoError(t, dlq.Publish(context.Background(), raw, errors.New("boom")))

	msgs := p.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "orders.dlq", *msg.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, msg.TopicPartition.Partition)
	assert.Equal(t, raw.Key, msg.Key)
	assert.Equal(t, raw.Value, msg.Value)

	headers := toHeaders(msg.Headers)
	assert.Equal(t, []byte("abc"), headers["trace"])
	assert.Equal(t, []byte("orders"), headers[HeaderDLQOriginalTopic])
	assert.Equal(t, []byte("3"), headers[HeaderDLQPartition])
	assert.Equal(t, []byte("42"), headers[HeaderDLQOffset])
	assert.Equal(t, []byte("boom"), headers[HeaderDLQErrorMessage])
	assert.NotEmpty(t, headers[HeaderDLQTimestamp])

	_, err := uuid.ParseBytes(headers[HeaderDLQID])
	assert.NoError(t, err)

	// The source record is left untouched.
	assert.Len(t, raw.Headers, 1)
}

func TestDeadLetterQueue_PublishFailure(t *testing.T) {
	p := newFakeProducer()
	p.deliverErr = kafka.NewError(kafka.ErrMsgSizeTooLarge, "Broker: Message size too large", false)
	dlq := NewDeadLetterQueue(newTestHandle(t, p), "orders.dlq")

	err := dlq.Publish(context.Background(), record("orders", 1, "k", "v"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery to orders.dlq failed")

	headers := toHeaders(p.messages()[0].Headers)
	_, hasError := headers[HeaderDLQErrorMessage]
	assert.False(t, hasError)
}
