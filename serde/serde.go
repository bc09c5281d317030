package serde

import "errors"

// ErrMalformed is wrapped by every deserialiser error caused by the payload
// itself, as opposed to a misconfigured type.
var ErrMalformed = errors.New("serde: malformed payload")

type Serde[T any] interface {
	Serialiser[T]
	Deserialiser[T]
}

type Serialiser[T any] interface {
	Serialise(topic string, value T) ([]byte, error)
}

type Deserialiser[T any] interface {
	Deserialise(topic string, data []byte) (T, error)
}

// DeserialiserFunc adapts a plain function to Deserialiser.
type DeserialiserFunc[T any] func(topic string, data []byte) (T, error)

func (f DeserialiserFunc[T]) Deserialise(topic string, data []byte) (T, error) {
	return f(topic, data)
}
