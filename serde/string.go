package serde

import (
	"fmt"
	"unicode/utf8"
)

type stringSerde struct{}

// String passes payloads through as text. Payloads that are not valid UTF-8
// fail to deserialise.
func String() Serde[string] {
	return stringSerde{}
}

func (stringSerde) Serialise(_ string, value string) ([]byte, error) {
	return []byte(value), nil
}

func (stringSerde) Deserialise(topic string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s: invalid utf-8", ErrMalformed, topic)
	}
	return string(data), nil
}
