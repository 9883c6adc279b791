package rpc

import "encoding/json"

// sentinel is the on-wire stand-in for an absent value. JSON cannot tell
// "field not set" from "field set to null" once an envelope is re-encoded
// by an intermediate hop, so absent values are replaced by this string
// before marshaling and restored after unmarshaling. The round-trip is
// lossless: null stays null, absent stays absent.
const sentinel = "__RLB_undefined"

// Absent marks a deliberately-absent value inside a payload. Callers put
// Absent where a field should survive transport as "not set".
type absent struct{}

// Absent is the singleton absence marker.
var Absent = absent{}

// EncodePayload deep-copies v, replacing every Absent marker with the wire
// sentinel. Maps and slices are walked recursively; all other values pass
// through unchanged.
func EncodePayload(v any) any {
	switch t := v.(type) {
	case absent:
		return sentinel
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = EncodePayload(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = EncodePayload(e)
		}
		return out
	default:
		return v
	}
}

// DecodePayload is the inverse of EncodePayload: every wire sentinel
// becomes the Absent marker again.
func DecodePayload(v any) any {
	switch t := v.(type) {
	case string:
		if t == sentinel {
			return Absent
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DecodePayload(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DecodePayload(e)
		}
		return out
	default:
		return v
	}
}

// MarshalPayload encodes an arbitrary payload for the wire, applying the
// absence sentinel. Handlers exchanging typed structs do not need it:
// struct fields either exist or carry `omitempty`, so absence never
// arises. It exists for handlers that carry free-form map payloads, where
// a dropped key must survive the wire as "not set" rather than null.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(EncodePayload(v))
}

// UnmarshalPayload decodes a wire payload back into generic form with
// absence markers restored. See MarshalPayload for when to use it.
func UnmarshalPayload(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return DecodePayload(v), nil
}
