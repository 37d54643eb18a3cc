package uplink

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes uplink payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	ContentType() string
}

// NewCodec returns the codec for a configured encoding: json (default) or cbor.
func NewCodec(encoding string) (Codec, error) {
	switch encoding {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) ContentType() string           { return "application/json" }

// cborCodec uses Core Deterministic Encoding so identical batches produce
// identical bytes.
type cborCodec struct {
	mode cbor.EncMode
}

func newCBORCodec() (cborCodec, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor encoder: %w", err)
	}
	return cborCodec{mode: mode}, nil
}

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.mode.Marshal(v) }
func (c cborCodec) ContentType() string           { return "application/cbor" }
