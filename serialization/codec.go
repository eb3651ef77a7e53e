// Package serialization converts request payloads and replies to and from message bodies.
package serialization

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ContentTypeJSON is set on every message encoded by JSONCodec
const ContentTypeJSON = "application/json"

// ErrNilTarget is returned when Unmarshal is given a nil destination
var ErrNilTarget = errors.New("serialization: unmarshal target is nil")

// Codec encodes outgoing payloads and decodes incoming bodies
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSONCodec is the default Codec, backed by json-iterator in
// encoding/json compatible mode.
type JSONCodec struct {
	api jsoniter.API
}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

// Marshal encodes v as JSON
func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := c.api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialization: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes JSON data into v
func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	if v == nil {
		return ErrNilTarget
	}
	if err := c.api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("serialization: unmarshal into %T: %w", v, err)
	}
	return nil
}

// ContentType returns application/json
func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}

// Default is the codec used when none is configured
var Default Codec = NewJSONCodec()
