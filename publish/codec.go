package publish

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/arloliu/go-dnc/event"
)

// Encoding selects the payload format.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding parses "json" or "cbor"; an empty string selects JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingCBOR:
		return EncodingCBOR, nil
	default:
		return "", fmt.Errorf("publish: unknown encoding %q", s)
	}
}

var mapStringAny = reflect.TypeOf(map[string]any(nil))

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	var err error
	if cborEnc, err = opts.EncMode(); err != nil {
		panic("publish: CBOR encoder initialization failed: " + err.Error())
	}
	if cborDec, err = (cbor.DecOptions{DefaultMapType: mapStringAny}).DecMode(); err != nil {
		panic("publish: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode renders ev in format enc.
func Encode(enc Encoding, ev event.ProgressEvent) ([]byte, error) {
	if enc == EncodingCBOR {
		return cborEnc.Marshal(ev)
	}

	return json.Marshal(ev)
}

// Decode parses a payload produced by Encode.
func Decode(enc Encoding, data []byte) (event.ProgressEvent, error) {
	var ev event.ProgressEvent

	var err error
	if enc == EncodingCBOR {
		err = cborDec.Unmarshal(data, &ev)
	} else {
		err = json.Unmarshal(data, &ev)
	}

	return ev, err
}
