// Package canonicalize renders arbitrary JSON-shaped Go values into a
// single deterministic byte sequence (RFC 8785, the JSON Canonicalization
// Scheme) so that two callers building the same audit record or the same
// tool arguments/output in different field order still hash identically.
// The audit chain and the export bundle hash both depend on this: without a canonical form, map key order alone could change a
// record's hash and break chain verification for no semantic reason.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize serializes v as canonical JSON per RFC 8785: object members
// sorted lexicographically by UTF-8 byte value, no HTML escaping, and
// numbers preserved exactly as encoded by the standard library's
// json.Number decoding.
//
// v is first passed through json.Marshal so struct tags, omitempty, and
// custom MarshalJSON methods behave exactly as they would for any other
// caller; the resulting bytes are then decoded into a generic tree and
// re-encoded in canonical form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, tree); err != nil {
		return nil, fmt.Errorf("canonicalize: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// CanonicalHash returns the SHA-256 hex digest of v's canonical form. This
// is the primitive both the audit hash chain and the export bundle hash
// build on.
func CanonicalHash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case string:
		return encodeCanonicalString(buf, t)
	case []any:
		return encodeCanonicalArray(buf, t)
	case map[string]any:
		return encodeCanonicalObject(buf, t)
	default:
		return fmt.Errorf("unsupported value type %T for canonical JSON", v)
	}
}

func encodeCanonicalArray(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // RFC 8785 §3.2.3: sort by UTF-16 code unit, which for
	// key sets containing only BMP characters coincides with a byte-wise
	// sort of the UTF-8 encoding used by sort.Strings here.

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeCanonicalString writes a JSON string literal without the HTML
// escaping that encoding/json applies by default (RFC 8785 forbids
// escaping characters like '<', '>', '&' that don't require it).
func encodeCanonicalString(buf *bytes.Buffer, s string) error {
	var inner bytes.Buffer
	enc := json.NewEncoder(&inner)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(inner.Bytes(), []byte{'\n'}))
	return nil
}
