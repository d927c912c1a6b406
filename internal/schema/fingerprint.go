package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint returns the SHA-256 hex digest of the schema's canonical form.
//
// The canonical form keys fields by name and sorts every object's keys, so
// declaration order never changes the result. Names, types, optionality and
// constraints are covered. Descriptions and the schema name are not: they
// only steer prompt wording, not the shape of a conforming instance.
func Fingerprint(s *Schema) (string, error) {
	if s == nil {
		return "", fmt.Errorf("schema: cannot fingerprint nil schema")
	}
	canonical, err := canonicalize(normalizeFields(s.Fields))
	if err != nil {
		return "", fmt.Errorf("schema: failed to canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// MustFingerprint is Fingerprint for schemas already known to be valid.
func MustFingerprint(s *Schema) string {
	fp, err := Fingerprint(s)
	if err != nil {
		panic(err)
	}
	return fp
}

func normalizeFields(fields []Field) map[string]any {
	out := make(map[string]any, len(fields))
	for i := range fields {
		out[fields[i].Name] = normalizeField(&fields[i])
	}
	return out
}

func normalizeField(f *Field) map[string]any {
	m := map[string]any{
		"type":     string(f.Type),
		"optional": f.Optional,
	}
	if f.Minimum != nil {
		m["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		m["maximum"] = *f.Maximum
	}
	if f.MinLength != nil {
		m["min_length"] = *f.MinLength
	}
	if f.MaxLength != nil {
		m["max_length"] = *f.MaxLength
	}
	if f.Pattern != "" {
		m["pattern"] = f.Pattern
	}
	if len(f.Enum) > 0 {
		enum := append([]string(nil), f.Enum...)
		sort.Strings(enum)
		values := make([]any, len(enum))
		for i, v := range enum {
			values[i] = v
		}
		m["enum"] = values
	}
	if f.Items != nil {
		m["items"] = normalizeField(f.Items)
	}
	if len(f.Fields) > 0 {
		m["fields"] = normalizeFields(f.Fields)
	}
	return m
}

// canonicalize produces a deterministic JSON representation of v.
// Maps are sorted by key to ensure consistent ordering.
func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, '}'), nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}
		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, ']'), nil
}
