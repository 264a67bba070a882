package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownCodec is returned by CodecFor for unsupported codec names.
var ErrUnknownCodec = errors.New("unknown frame codec")

// Codec packs a multi-part delivery into the single payload of transports
// that carry one byte string per message.
type Codec interface {
	Name() string
	Encode(parts [][]byte) ([]byte, error)
	Decode(payload []byte) ([][]byte, error)
}

// CodecFor returns the codec registered under name.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// JSON encodes a delivery as an array of strings.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(parts [][]byte) ([]byte, error) {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = string(p)
	}
	return json.Marshal(ss)
}

func (JSON) Decode(payload []byte) ([][]byte, error) {
	var ss []string
	if err := json.Unmarshal(payload, &ss); err != nil {
		return nil, fmt.Errorf("%w: json delivery: %v", ErrMalformed, err)
	}
	parts := make([][]byte, len(ss))
	for i, s := range ss {
		parts[i] = []byte(s)
	}
	return parts, nil
}

// encMode uses Core Deterministic Encoding so a delivery always produces the
// same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("frame: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("frame: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes a delivery as an array of byte strings.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Encode(parts [][]byte) ([]byte, error) {
	return encMode.Marshal(parts)
}

func (CBOR) Decode(payload []byte) ([][]byte, error) {
	var parts [][]byte
	if err := decMode.Unmarshal(payload, &parts); err != nil {
		return nil, fmt.Errorf("%w: cbor delivery: %v", ErrMalformed, err)
	}
	return parts, nil
}
