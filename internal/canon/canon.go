// Package canon produces the canonical serialization of action payloads.
//
// Receipt hashes are computed over this form, so it must stay byte-stable:
// object keys sorted lexicographically, "," and ":" separators, no
// insignificant whitespace, no HTML escaping. Changing any of this makes
// every previously issued receipt unverifiable.
package canon

import (
	"bytes"
	"encoding/json"
)

// Marshal returns the canonical JSON encoding of payload.
func Marshal(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	// Encoder terminates the value with a newline; the canonical form has none.
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
