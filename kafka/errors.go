package kafka

import (
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

var (
	// ErrHandleClosed is returned when producing through a closed client handle.
	ErrHandleClosed = errors.New("kafka: client handle is closed")
	// ErrConsumerClosed is returned when starting a closed consumer.
	ErrConsumerClosed = errors.New("kafka: consumer is closed")
	// ErrAlreadyRunning is returned when a consumer is started twice.
	ErrAlreadyRunning = errors.New("kafka: consumer is already running")
)

// ConsumeError is an error reported by the client library while consuming.
type ConsumeError struct {
	Err kafka.Error

	// Record is the raw record the error relates to, when there is one
	// (deserialization failures).
	Record *kafka.Message
}

func newConsumeError(err kafka.Error, record *kafka.Message) *ConsumeError {
	return &ConsumeError{Err: err, Record: record}
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("consume error: %s", e.Err.Error())
}

func (e *ConsumeError) Unwrap() error { return e.Err }

// Code returns the client library error code.
func (e *ConsumeError) Code() kafka.ErrorCode { return e.Err.Code() }

// IsFatal reports whether the consumer instance can no longer be used.
func (e *ConsumeError) IsFatal() bool { return e.Err.IsFatal() }

// Reason returns the human readable error description.
func (e *ConsumeError) Reason() string { return e.Err.String() }

// IsUnknownTopic reports whether the subscribed topic or partition does not exist.
func (e *ConsumeError) IsUnknownTopic() bool {
	return e.Err.Code() == kafka.ErrUnknownTopicOrPart
}

// IsTimeout reports whether err is the client library's poll timeout.
func IsTimeout(err error) bool {
	var kerr kafka.Error
	return errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut
}

// HandlerError wraps an error returned, or a panic raised, by a message handler.
type HandlerError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s[%d]@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
