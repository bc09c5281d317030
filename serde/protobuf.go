package serde

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type protobufSerde[T proto.Message] struct{}

func Protobuf[T proto.Message]() Serde[T] {
	return protobufSerde[T]{}
}

func (s protobufSerde[T]) Serialise(topic string, value T) ([]byte, error) {
	return proto.Marshal(value)
}

// Deserialise allocates a fresh T, so T must be a generated message pointer.
func (s protobufSerde[T]) Deserialise(topic string, data []byte) (T, error) {
	var zero T
	msg, ok := zero.ProtoReflect().New().Interface().(T)
	if !ok {
		return zero, fmt.Errorf("serde: cannot allocate %T", zero)
	}

	if err := proto.Unmarshal(data, msg); err != nil {
		return zero, fmt.Errorf("%w: unmarshal %T from %s: %w", ErrMalformed, zero, topic, err)
	}
	return msg, nil
}
