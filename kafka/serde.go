package kafka

import (
	"encoding/json"
	"fmt"
)

// Serializer converts a typed key or value into bytes
type Serializer[T any] interface {
	Serialize(topic string, v T) ([]byte, error)
}

// Deserializer converts bytes read from a topic into a typed key or value
type Deserializer[T any] interface {
	Deserialize(topic string, data []byte) (T, error)
}

// SchemaLess serializes without a schema registry: strings and byte slices
// are written as-is, everything else as JSON. Empty payloads deserialize to
// the zero value.
type SchemaLess[T any] struct{}

var (
	_ Serializer[string]   = SchemaLess[string]{}
	_ Deserializer[[]byte] = SchemaLess[[]byte]{}
)

func (SchemaLess[T]) Serialize(_ string, v T) ([]byte, error) {
	switch val := any(v).(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

func (SchemaLess[T]) Deserialize(_ string, data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}

	switch ptr := any(&v).(type) {
	case *string:
		*ptr = string(data)
		return v, nil
	case *[]byte:
		*ptr = append([]byte(nil), data...)
		return v, nil
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return v, nil
}

// SerializerFunc adapts a function to the Serializer interface
type SerializerFunc[T any] func(topic string, v T) ([]byte, error)

func (f SerializerFunc[T]) Serialize(topic string, v T) ([]byte, error) { return f(topic, v) }

// DeserializerFunc adapts a function to the Deserializer interface
type DeserializerFunc[T any] func(topic string, data []byte) (T, error)

func (f DeserializerFunc[T]) Deserialize(topic string, data []byte) (T, error) { return f(topic, data) }
