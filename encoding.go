package dtx

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

type defaultMarshaller struct{}

// NewMarshaler returns the default marshaller which uses golang's json package.
// Persisted records are JSON/UTF-8 with ISO-8601 timestamps; unknown fields are
// ignored on read so the schema can grow forward-compatibly.
func NewMarshaler() Marshaler {
	return &defaultMarshaller{}
}

// DefaultMarshaler is used by the log stores and the snapshot deep-copier.
var DefaultMarshaler = NewMarshaler()

func (m defaultMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (m defaultMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
