package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
)

// Dead-letter headers added to every forwarded message
const (
	HeaderDLQID            = "x-dlq-id"
	HeaderDLQOriginalTopic = "x-dlq-original-topic"
	HeaderDLQPartition     = "x-dlq-original-partition"
	HeaderDLQOffset        = "x-dlq-original-offset"
	HeaderDLQErrorMessage  = "x-dlq-error-message"
	HeaderDLQTimestamp     = "x-dlq-timestamp"
)

// DeadLetterQueue forwards records a consumer could not process to a
// dedicated topic through a shared client handle.
type DeadLetterQueue struct {
	handle *ClientHandle
	topic  string
}

// NewDeadLetterQueue creates a dead-letter queue producing to topic.
func NewDeadLetterQueue(handle *ClientHandle, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{handle: handle, topic: topic}
}

// Topic returns the dead-letter topic.
func (q *DeadLetterQueue) Topic() string {
	return q.topic
}

// Publish copies raw to the dead-letter topic with its key, value and
// headers, plus headers describing where it came from and why it failed. It
// waits for the delivery report.
func (q *DeadLetterQueue) Publish(ctx context.Context, raw *kafka.Message, cause error) error {
	topic := q.topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:     raw.Key,
		Value:   raw.Value,
		Headers: make([]kafka.Header, 0, len(raw.Headers)+6),
	}
	msg.Headers = append(msg.Headers, raw.Headers...)

	msg.Headers = append(msg.Headers,
		kafka.Header{Key: HeaderDLQID, Value: []byte(uuid.NewString())},
		kafka.Header{Key: HeaderDLQOriginalTopic, Value: []byte(topicOf(raw))},
		kafka.Header{Key: HeaderDLQPartition, Value: []byte(strconv.FormatInt(int64(raw.TopicPartition.Partition), 10))},
		kafka.Header{Key: HeaderDLQOffset, Value: []byte(strconv.FormatInt(int64(raw.TopicPartition.Offset), 10))},
		kafka.Header{Key: HeaderDLQTimestamp, Value: time.Now().UTC().AppendFormat(nil, time.RFC3339)},
	)
	if cause != nil {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderDLQErrorMessage, Value: []byte(cause.Error())})
	}

	_, err := q.handle.produceAndWait(ctx, msg)
	return err
}
