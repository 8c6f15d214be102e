package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var ErrJSONUnmarshalFailed = errors.New("failed to unmarshal JSON message")

// ParseDynamicJSON parses JSON data from a byte slice into a DynamicMessage map.
// Numbers are kept as json.Number so large numeric identifiers keep every
// digit. It returns ErrJSONUnmarshalFailed (wrapping the original error) if
// unmarshalling fails.
func ParseDynamicJSON(data []byte) (DynamicMessage, error) {
	var msg DynamicMessage

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	err := dec.Decode(&msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJSONUnmarshalFailed, err)
	}
	return msg, nil
}
