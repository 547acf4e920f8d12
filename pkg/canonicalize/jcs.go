// Package canonicalize provides the canonical JSON serialization that every
// hash, checksum, cache key, and exported artifact in the engine is computed
// on. Keys are sorted lexicographically by UTF-8 bytes, insignificant
// whitespace is dropped, and HTML escaping is disabled.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// ErrSerialization wraps values that have no canonical JSON representation
// (NaN, Inf, channels, cycles). Callers treat it as non-retryable.
type ErrSerialization struct {
	Cause error
}

func (e *ErrSerialization) Error() string {
	return fmt.Sprintf("canonicalize: value not representable: %v", e.Cause)
}

func (e *ErrSerialization) Unwrap() error { return e.Cause }

// Canonical returns the canonical JSON form of v.
//
// Strategy: marshal with encoding/json first so struct tags are respected,
// re-decode with UseNumber so numeric literals survive untouched, then
// re-marshal recursively with sorted keys and HTML escaping off.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &ErrSerialization{Cause: err}
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &ErrSerialization{Cause: err}
	}

	out, err := marshalRecursive(generic)
	if err != nil {
		return nil, &ErrSerialization{Cause: err}
	}
	return out, nil
}

// CanonicalString is Canonical with a string result.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Transform canonicalizes pre-encoded JSON bytes (RFC 8785). Used for
// payloads that arrive as files, where a decode/re-encode round trip through
// Go values must not perturb number formatting.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, &ErrSerialization{Cause: err}
	}
	return out, nil
}

// HashRaw returns the SHA-256 hex digest of the canonical form of
// pre-encoded JSON bytes.
func HashRaw(raw []byte) (string, error) {
	b, err := Transform(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func marshalRecursive(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
