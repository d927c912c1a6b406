// Package schema defines the caller-supplied extraction schema, its
// order-independent fingerprint, and the conformance checker that coerces and
// validates raw snippet output against it.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type is a field's declared type.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
)

func (t Type) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Schema describes the record an extraction must produce.
type Schema struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []Field `yaml:"fields" json:"fields"`
}

// Field is one declared field. Constraints are optional; nil means unset.
type Field struct {
	Name        string   `yaml:"name" json:"name"`
	Type        Type     `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Optional    bool     `yaml:"optional,omitempty" json:"optional,omitempty"`
	Minimum     *float64 `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64 `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	MinLength   *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength   *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Pattern     string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Items       *Field   `yaml:"items,omitempty" json:"items,omitempty"`   // element type for arrays; Name is ignored
	Fields      []Field  `yaml:"fields,omitempty" json:"fields,omitempty"` // members for objects
}

// Parse decodes a schema from YAML or JSON (JSON is valid YAML).
func Parse(data []byte) (*Schema, error) {
	var s Schema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses a schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// Validate reports structural mistakes in the schema itself.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("schema is nil")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q declares no fields", s.Name)
	}
	return validateFields("", s.Fields)
}

func validateFields(prefix string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		path := prefix + "/" + f.Name
		if f.Name == "" {
			return fmt.Errorf("field %d under %q has no name", i, prefix)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", path)
		}
		seen[f.Name] = true
		if err := validateField(path, f); err != nil {
			return err
		}
	}
	return nil
}

func validateField(path string, f *Field) error {
	if !f.Type.valid() {
		return fmt.Errorf("field %q has unknown type %q", path, f.Type)
	}
	if f.Pattern != "" {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			return fmt.Errorf("field %q has invalid pattern: %w", path, err)
		}
	}
	if f.Minimum != nil && f.Maximum != nil && *f.Minimum > *f.Maximum {
		return fmt.Errorf("field %q has minimum > maximum", path)
	}
	switch f.Type {
	case TypeArray:
		if f.Items == nil {
			return fmt.Errorf("array field %q needs items", path)
		}
		return validateField(path+"/items", f.Items)
	case TypeObject:
		if len(f.Fields) == 0 {
			return fmt.Errorf("object field %q needs fields", path)
		}
		return validateFields(path, f.Fields)
	}
	return nil
}

// Describe renders the schema for a prompt. Output is stable for a given schema.
func Describe(s *Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&b, " - %s", s.Description)
	}
	b.WriteString("\n")
	describeFields(&b, s.Fields, 1)
	return b.String()
}

func describeFields(b *strings.Builder, fields []Field, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, f := range fields {
		fmt.Fprintf(b, "%s%s: %s", indent, f.Name, typeLabel(&f))
		if f.Optional {
			b.WriteString(" (optional)")
		}
		if c := constraintLabel(&f); c != "" {
			fmt.Fprintf(b, " [%s]", c)
		}
		if f.Description != "" {
			fmt.Fprintf(b, " - %s", f.Description)
		}
		b.WriteString("\n")
		if f.Type == TypeObject {
			describeFields(b, f.Fields, depth+1)
		}
		if f.Type == TypeArray && f.Items != nil && f.Items.Type == TypeObject {
			describeFields(b, f.Items.Fields, depth+1)
		}
	}
}

func typeLabel(f *Field) string {
	if f.Type == TypeArray && f.Items != nil {
		return "array of " + typeLabel(f.Items)
	}
	return string(f.Type)
}

func constraintLabel(f *Field) string {
	var parts []string
	if f.Minimum != nil {
		parts = append(parts, fmt.Sprintf("min %v", *f.Minimum))
	}
	if f.Maximum != nil {
		parts = append(parts, fmt.Sprintf("max %v", *f.Maximum))
	}
	if f.MinLength != nil {
		parts = append(parts, fmt.Sprintf("min length %d", *f.MinLength))
	}
	if f.MaxLength != nil {
		parts = append(parts, fmt.Sprintf("max length %d", *f.MaxLength))
	}
	if f.Pattern != "" {
		parts = append(parts, "pattern "+f.Pattern)
	}
	if len(f.Enum) > 0 {
		quoted, _ := json.Marshal(f.Enum)
		parts = append(parts, "one of "+string(quoted))
	}
	return strings.Join(parts, ", ")
}
