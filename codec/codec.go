// Package codec defines the capability the Dispatcher and Facade delegate
// to for turning typed commands into JSON and raw inbound JSON into typed
// results/events. The core treats Codec as opaque (spec section 1, 6); this
// package also provides a default pass-through implementation so the core
// is usable before any per-module typed wrapper exists.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Codec turns typed commands into {method, params} JSON and turns raw
// inbound JSON objects into typed events/results, using the method name as
// discriminator. Per-module command/event wrappers (browsingContext,
// input, script, ...) are external collaborators that implement this;
// the transport/dispatch core never interprets params/result itself.
type Codec interface {
	// Encode turns a typed command value into a JSON params object.
	Encode(method string, command interface{}) (json.RawMessage, error)
	// DecodeEvent turns a raw event params object into a typed event value.
	DecodeEvent(method string, params json.RawMessage) (interface{}, error)
	// DecodeResult turns a raw success result object into a typed result value.
	DecodeResult(method string, result json.RawMessage) (interface{}, error)
}

// JSON is the default pass-through Codec: Encode marshals whatever is
// given (or passes through an already-encoded json.RawMessage/map),
// DecodeEvent/DecodeResult hand back the raw bytes unparsed. Callers that
// want typed values wrap JSON, or use DecodeInto directly.
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Encode(_ string, command interface{}) (json.RawMessage, error) {
	if command == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := command.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %T: %w", command, err)
	}
	return b, nil
}

func (JSON) DecodeEvent(_ string, params json.RawMessage) (interface{}, error) {
	return params, nil
}

func (JSON) DecodeResult(_ string, result json.RawMessage) (interface{}, error) {
	return result, nil
}

// DecodeInto decodes a raw JSON object into a typed target, via an
// intermediate map so mapstructure's tag-based field matching and loose
// type coercion (string "5" -> int 5, etc., which real remote ends are
// inconsistent about) apply the same way a per-module typed wrapper would
// want. Grounded on the teacher's generic-map-to-struct decoding
// (util/schema, server/registry.go) built on mitchellh/mapstructure.
func DecodeInto(raw json.RawMessage, target interface{}) error {
	var generic map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("codec: decode into %T: %w", target, err)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("codec: build decoder for %T: %w", target, err)
	}
	if err := decoder.Decode(generic); err != nil {
		return fmt.Errorf("codec: decode into %T: %w", target, err)
	}
	return nil
}
