package fetch

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Payload is the raw JSON document returned for one signal. The pipeline
// never looks inside it beyond turning it into text.
type Payload json.RawMessage

// ErrEmptyResponse is returned for an empty body or an empty JSON array.
var ErrEmptyResponse = errors.New("fetch: empty response")

// ParsePayload validates b as JSON and normalizes it. A single-element array
// is unwrapped to its element; an empty array is ErrEmptyResponse; larger
// arrays are kept whole.
func ParsePayload(b []byte) (Payload, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, ErrEmptyResponse
	}
	if !json.Valid(b) {
		return nil, errors.New("fetch: response is not valid JSON")
	}
	if b[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, err
		}
		switch len(items) {
		case 0:
			return nil, ErrEmptyResponse
		case 1:
			b = bytes.TrimSpace(items[0])
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return Payload(buf.Bytes()), nil
}

// Text is the form substituted into prompts: the bare value for a JSON
// string, compact JSON for anything else.
func (p Payload) Text() string {
	if len(p) > 0 && p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			return s
		}
	}
	return string(p)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}
