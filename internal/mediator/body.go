package mediator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Keys the mediator reads. Case variants of these are rejected so that a
// case-insensitive upstream cannot see a different tool than the one that
// was authorized.
var (
	envelopeKeys = []string{"params"}
	paramsKeys   = []string{"name", "arguments"}
)

// ParseBody decodes a JSON-RPC body and extracts the tool invocation, if any.
// A nil invocation with a nil error means the request is not a tool call.
func ParseBody(body []byte) (*ToolInvocation, *Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errInvalidBody("request body is empty")
	}
	if !json.Valid(trimmed) {
		var v any
		return nil, errInvalidJSON(json.Unmarshal(trimmed, &v))
	}
	if trimmed[0] != '{' {
		return nil, errInvalidBody("request body must be a JSON object")
	}

	env, err := objectFields(trimmed, envelopeKeys)
	if err != nil {
		return nil, errInvalidBody(err.Error())
	}
	rawParams, ok := env["params"]
	if !ok || !isObject(rawParams) {
		return nil, nil
	}

	params, err := objectFields(rawParams, paramsKeys)
	if err != nil {
		return nil, errInvalidBody("params: " + err.Error())
	}
	rawName, ok := params["name"]
	if !ok {
		return nil, nil
	}

	var name string
	if err := json.Unmarshal(rawName, &name); err != nil || name == "" {
		return nil, errInvalidBody("params.name must be a non-empty string")
	}

	inv := &ToolInvocation{Name: name}
	if args, ok := params["arguments"]; ok {
		inv.Params = append(json.RawMessage(nil), args...)
	}
	return inv, nil
}

// objectFields splits one JSON object into its members by exact key. It
// fails on a repeated key or on a case variant of any of the watched keys.
func objectFields(raw []byte, watched []string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected object")
	}

	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("expected object key")
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		for _, w := range watched {
			if key != w && strings.EqualFold(key, w) {
				return nil, fmt.Errorf("ambiguous key %q", key)
			}
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		fields[key] = v
	}
	return fields, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
