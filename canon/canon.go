// Package canon provides deterministic JSON canonicalization and hashing used
// to derive stable identifiers across the orchestrator: dedupe keys, replay
// signatures, and audit fingerprints all flow through StableJSON and Hash so
// that two logically identical values always produce byte-identical output
// regardless of map iteration order or original key insertion order.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// StableJSON marshals v into a canonical JSON encoding: object keys are sorted
// in code-point order at every nesting level, array element order is
// preserved, nil values are encoded as null, and struct fields are included or
// omitted exactly as encoding/json decides for them. The result is safe to
// hash or compare byte-for-byte across two values that are structurally equal
// but were constructed with different map insertion orders.
//
// StableJSON rejects cyclic structures: Go's own json.Marshal already detects
// cycles through pointers/maps and returns an error, which StableJSON
// propagates unchanged.
func StableJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustStableJSON is like StableJSON but panics on error. It is intended for
// call sites where v is known to be a plain, already-validated JSON-shaped
// value (e.g. a job payload that has already passed schema validation).
func MustStableJSON(v any) []byte {
	b, err := StableJSON(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Hash returns the lowercase hex-encoded SHA-256 digest of b. The output is
// always 64 characters.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v with StableJSON and hashes the result. It is a
// convenience wrapper for the common "hash this payload" case.
func HashValue(v any) (string, error) {
	b, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// Signature computes the replay-cache key described by the external
// signature-hashing contract:
//
//	"<actionType>:<projectId>:<sourceSessionId>:<turnId>:<stable_json(payload)>"
//
// Any one of actionType, projectID, sourceSessionID, or turnID changing
// produces a different signature even when payload is identical, and changing
// any value nested in payload changes the signature even when the scope
// fields are identical.
func Signature(actionType, projectID, sourceSessionID, turnID string, payload any) (string, error) {
	body, err := StableJSON(payload)
	if err != nil {
		return "", err
	}
	scoped := fmt.Sprintf("%s:%s:%s:%s:%s", actionType, projectID, sourceSessionID, turnID, body)
	return Hash([]byte(scoped)), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canon: encode scalar: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("canon: encode key: %w", err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, elem := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
