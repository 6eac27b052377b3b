package jsoncodec

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// Null is the encoding used for absent values.
var Null = json.RawMessage("null")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Raw encodes v as a standalone JSON value. Values that already are raw JSON
// are passed through untouched.
func Raw(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return Null, nil
	case json.RawMessage:
		if len(typed) == 0 {
			return Null, nil
		}
		return typed, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// RawArgs encodes each argument with Raw, keeping their order.
func RawArgs(args ...any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := Raw(arg)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// DecodeRaw unmarshals raw into v. An empty raw value decodes as JSON null.
func DecodeRaw(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = Null
	}
	return Unmarshal(raw, v)
}
