// Package codec encodes event provenance for storage. Values are written with
// CBOR Core Deterministic Encoding so the same origin always produces the same
// bytes and rows can be compared across backends.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/blackmichael/post-heatmap/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so older rows keep decoding after Origin
	// gains fields.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeOrigin returns the stored form of an event origin. The zero origin
// encodes to nil.
func EncodeOrigin(o domain.Origin) ([]byte, error) {
	if o == (domain.Origin{}) {
		return nil, nil
	}
	data, err := Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode origin: %w", err)
	}
	return data, nil
}

// DecodeOrigin reverses EncodeOrigin. Empty input yields the zero origin.
func DecodeOrigin(data []byte) (domain.Origin, error) {
	var o domain.Origin
	if len(data) == 0 {
		return o, nil
	}
	if err := Unmarshal(data, &o); err != nil {
		return domain.Origin{}, fmt.Errorf("decode origin: %w", err)
	}
	return o, nil
}
