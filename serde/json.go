package serde

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type jsonSerde[T any] struct {
	strict bool
}

// JSON returns a Serde that uses JSON for serialisation and deserialisation.
func JSON[T any]() Serde[T] {
	return jsonSerde[T]{}
}

// StrictJSON is JSON but rejects payloads with fields T does not declare or
// with trailing data after the value.
func StrictJSON[T any]() Serde[T] {
	return jsonSerde[T]{strict: true}
}

func (s jsonSerde[T]) Serialise(_ string, value T) ([]byte, error) {
	return json.Marshal(value)
}

func (s jsonSerde[T]) Deserialise(topic string, data []byte) (T, error) {
	var result T
	if !s.strict {
		if err := json.Unmarshal(data, &result); err != nil {
			return result, fmt.Errorf("%w: %s: %w", ErrMalformed, topic, err)
		}
		return result, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return result, fmt.Errorf("%w: %s: %w", ErrMalformed, topic, err)
	}
	if dec.More() {
		return result, fmt.Errorf("%w: %s: trailing data", ErrMalformed, topic)
	}
	return result, nil
}
