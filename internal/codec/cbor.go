// Package codec holds the byte-level encodings shared by config
// documents, dumps and group key messages: deterministic CBOR and an
// optionally zstd-compressed frame around it.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so equal documents always
// produce equal bytes. Merge tie-breaks compare encoded values, so
// this must never change.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
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

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an already-encoded CBOR value.
type RawMessage = cbor.RawMessage

// Diagnose returns CBOR diagnostic notation for data. Used by the
// inspect command.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
