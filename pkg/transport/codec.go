package transport

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// HeaderCodec turns message headers into the bytes stored in a native
// entry's extension property and back. Implementations must be safe for
// concurrent use.
type HeaderCodec interface {
	ContentType() string
	Encode(headers map[string]string) ([]byte, error)
	Decode(data []byte) (map[string]string, error)
}

type (
	// JSONHeaderCodec stores headers as a UTF-8 JSON object.
	JSONHeaderCodec struct{}

	// CBORHeaderCodec stores headers as canonical CBOR.
	CBORHeaderCodec struct {
		enc cbor.EncMode
		dec cbor.DecMode
	}
)

var (
	_ HeaderCodec = JSONHeaderCodec{}
	_ HeaderCodec = (*CBORHeaderCodec)(nil)
)

func (JSONHeaderCodec) ContentType() string { return "application/json" }

func (JSONHeaderCodec) Encode(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}

	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}

	return data, nil
}

func (JSONHeaderCodec) Decode(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}

	return headers, nil
}

// NewCBORHeaderCodec builds a deterministic CBOR codec.
func NewCBORHeaderCodec() (*CBORHeaderCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}

	return &CBORHeaderCodec{enc: em, dec: dm}, nil
}

func (c *CBORHeaderCodec) ContentType() string { return "application/cbor" }

func (c *CBORHeaderCodec) Encode(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}

	data, err := c.enc.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}

	return data, nil
}

func (c *CBORHeaderCodec) Decode(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	if err := c.dec.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}

	return headers, nil
}

// HeaderCodecFor resolves a codec by its configured name.
func HeaderCodecFor(name string) (HeaderCodec, error) {
	switch name {
	case "", "json":
		return JSONHeaderCodec{}, nil
	case "cbor":
		return NewCBORHeaderCodec()
	default:
		return nil, fmt.Errorf("unknown header codec %q", name)
	}
}
