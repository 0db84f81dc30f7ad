// Package codec selects the wire encoding for LAN frames.
//
// JSON is the default and what other devices on the bakery network speak.
// CBOR (deterministic encoding, RFC 8949 §4.2) is available for
// installations where every display runs this binary. Types carry json
// struct tags only; the CBOR library falls back to them.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes frame bodies.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByName returns the codec configured under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// ByContentType returns the codec for an AMQP content type, falling back to
// JSON for anything it does not recognise.
func ByContentType(ct string) Codec {
	if ct == (CBOR{}).ContentType() {
		return CBOR{}
	}
	return JSON{}
}

type JSON struct{}

func (JSON) Name() string                       { return "json" }
func (JSON) ContentType() string                { return "application/json" }
func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	// Timestamps go out as RFC 3339 text so a frame reads the same in
	// either encoding.
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type CBOR struct{}

func (CBOR) Name() string                       { return "cbor" }
func (CBOR) ContentType() string                { return "application/cbor" }
func (CBOR) Marshal(v any) ([]byte, error)      { return encMode.Marshal(v) }
func (CBOR) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
