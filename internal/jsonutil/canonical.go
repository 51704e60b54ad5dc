// Package jsonutil provides the canonical JSON encoding used to
// fingerprint tool calls for loop detection: fingerprint = tool_name +
// canonical(tool_args). Canonical form sorts object keys recursively
// so that two semantically identical argument maps produce
// byte-identical fingerprints regardless of field order.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonical returns the canonical JSON encoding of v: object keys
// sorted recursively, no insignificant whitespace. v is first
// round-tripped through encoding/json so any Go value json.Marshal
// accepts (structs, maps, slices, scalars) is supported.
func Canonical(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("jsonutil: marshal: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("jsonutil: unmarshal: %w", err)
	}

	var b strings.Builder
	if err := encode(&b, decoded); err != nil {
		return "", err
	}
	return b.String(), nil
}

func encode(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("jsonutil: marshal key: %w", err)
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := encode(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')

	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')

	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("jsonutil: marshal scalar: %w", err)
		}
		b.Write(raw)
	}
	return nil
}
