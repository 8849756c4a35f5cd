package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/kon-rad/tracetap/pkg/entry"
	"github.com/valyala/fastjson"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var parserPool fastjson.ParserPool

var cborDecMode = mustCBORDecMode()

func mustCBORDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// DecodeJSON parses a request body holding one envelope or an array of
// them. Either every envelope decodes or an error is returned.
func DecodeJSON(body []byte) ([]entry.Entry, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	switch v.Type() {
	case fastjson.TypeObject:
		e, err := decodeJSONEnvelope(v)
		if err != nil {
			return nil, err
		}
		return []entry.Entry{e}, nil
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]entry.Entry, 0, len(items))
		for i, item := range items {
			e, err := decodeJSONEnvelope(item)
			if err != nil {
				return nil, fmt.Errorf("envelope %d: %w", i, err)
			}
			out = append(out, e)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: body must be an object or array", ErrMalformed)
	}
}

func decodeJSONEnvelope(v *fastjson.Value) (entry.Entry, error) {
	if v.Type() != fastjson.TypeObject {
		return entry.Entry{}, fmt.Errorf("%w: envelope must be an object", ErrMalformed)
	}
	typ := entry.Type(v.GetStringBytes("type"))
	if !typ.Valid() {
		return entry.Entry{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	data := v.Get("data")
	if data == nil || data.Type() != fastjson.TypeObject {
		return entry.Entry{}, fmt.Errorf("%w: data must be an object", ErrMalformed)
	}
	raw := data.MarshalTo(nil)
	return buildEntry(typ, func(dst any) error { return json.Unmarshal(raw, dst) })
}

type cborEnvelope struct {
	Type string          `cbor:"type"`
	Data cbor.RawMessage `cbor:"data"`
}

// DecodeCBOR is the application/cbor counterpart of DecodeJSON.
func DecodeCBOR(body []byte) ([]entry.Entry, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var envs []cborEnvelope
	switch body[0] >> 5 {
	case 4:
		if err := cborDecMode.Unmarshal(body, &envs); err != nil {
			return nil, fmt.Errorf("%w: invalid cbor: %v", ErrMalformed, err)
		}
	case 5:
		var env cborEnvelope
		if err := cborDecMode.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%w: invalid cbor: %v", ErrMalformed, err)
		}
		envs = []cborEnvelope{env}
	default:
		return nil, fmt.Errorf("%w: body must be a map or array", ErrMalformed)
	}

	out := make([]entry.Entry, 0, len(envs))
	for i, env := range envs {
		typ := entry.Type(env.Type)
		if !typ.Valid() {
			return nil, fmt.Errorf("envelope %d: %w: %q", i, ErrUnknownType, typ)
		}
		if len(env.Data) == 0 || env.Data[0]>>5 != 5 {
			return nil, fmt.Errorf("envelope %d: %w: data must be a map", i, ErrMalformed)
		}
		raw := env.Data
		e, err := buildEntry(typ, func(dst any) error { return cborDecMode.Unmarshal(raw, dst) })
		if err != nil {
			return nil, fmt.Errorf("envelope %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Decode picks the codec from the request content type. Anything that is
// not CBOR is treated as JSON.
func Decode(contentType string, body []byte) ([]entry.Entry, error) {
	if contentType == ContentTypeCBOR {
		return DecodeCBOR(body)
	}
	return DecodeJSON(body)
}

// IsClientError reports whether err was caused by the request payload.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownType)
}
