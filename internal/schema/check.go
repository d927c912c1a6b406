package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"hikugen/internal/failure"
)

// Instance is a coerced, schema-conforming record.
type Instance map[string]any

// Decode copies the instance into a typed struct using json tags.
func (i Instance) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("schema: building decoder: %w", err)
	}
	return dec.Decode(map[string]any(i))
}

// JSON renders the instance as indented JSON.
func (i Instance) JSON() ([]byte, error) {
	return json.MarshalIndent(map[string]any(i), "", "  ")
}

// Check coerces raw into s and validates the result. The returned error, if
// any, is a *failure.Failure of kind NonConformant listing every problem.
// Check has no side effects.
func Check(raw map[string]any, s *Schema) (Instance, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	c := &coercer{}
	inst := c.object("", raw, s.Fields)
	if len(c.problems) > 0 {
		return nil, nonConformant(c.problems)
	}

	if problems := validate(inst, s); len(problems) > 0 {
		return nil, nonConformant(problems)
	}
	return Instance(inst), nil
}

func nonConformant(problems []failure.Detail) *failure.Failure {
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].Path < problems[j].Path })
	return failure.New(failure.NonConformant, "%d field problem(s)", len(problems)).WithDetails(problems...)
}

// =============================================================================
// COERCION
// =============================================================================

type coercer struct {
	problems []failure.Detail
}

func (c *coercer) fail(path, format string, args ...interface{}) {
	c.problems = append(c.problems, failure.Detail{Path: path, Problem: fmt.Sprintf(format, args...)})
}

// object coerces declared fields; undeclared keys are dropped and nil or
// missing values are left for the required check.
func (c *coercer) object(path string, raw map[string]any, fields []Field) map[string]any {
	out := make(map[string]any, len(fields))
	for i := range fields {
		f := &fields[i]
		v, ok := raw[f.Name]
		if !ok || v == nil {
			continue
		}
		if cv, ok := c.value(path+"/"+f.Name, v, f); ok {
			out[f.Name] = cv
		}
	}
	return out
}

func (c *coercer) value(path string, v any, f *Field) (any, bool) {
	v = normalize(v)

	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			c.fail(path, "expected string, got %s", describeValue(v))
			return nil, false
		}
		return s, true

	case TypeNumber:
		n, err := toNumber(v)
		if err != nil {
			c.fail(path, "cannot coerce %s to number", describeValue(v))
			return nil, false
		}
		return n, true

	case TypeInteger:
		n, err := toNumber(v)
		if err != nil || n != math.Trunc(n) {
			c.fail(path, "cannot coerce %s to integer", describeValue(v))
			return nil, false
		}
		// float64(math.MaxInt64) is 2^63, which int64 cannot hold.
		if n >= math.MaxInt64 || n < math.MinInt64 {
			c.fail(path, "integer %v out of range", n)
			return nil, false
		}
		return int64(n), true

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			parsed, err := cast.ToBoolE(strings.TrimSpace(b))
			if err == nil {
				return parsed, true
			}
		}
		c.fail(path, "cannot coerce %s to boolean", describeValue(v))
		return nil, false

	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			c.fail(path, "expected array, got %s", describeValue(v))
			return nil, false
		}
		out := make([]any, 0, len(items))
		okAll := true
		for i, item := range items {
			itemPath := fmt.Sprintf("%s/%d", path, i)
			if item == nil {
				c.fail(itemPath, "null array element")
				okAll = false
				continue
			}
			cv, ok := c.value(itemPath, item, f.Items)
			if !ok {
				okAll = false
				continue
			}
			out = append(out, cv)
		}
		return out, okAll

	case TypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			c.fail(path, "expected object, got %s", describeValue(v))
			return nil, false
		}
		return c.object(path, m, f.Fields), true
	}

	c.fail(path, "unsupported field type %q", f.Type)
	return nil, false
}

// toNumber converts numerics and numeric strings. Booleans are never numbers.
func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case bool:
		return 0, fmt.Errorf("boolean is not a number")
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, fmt.Errorf("empty string")
		}
		v = s
	case json.Number:
		v = n.String()
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		// Named numeric types declared inside a snippet are unknown to cast.
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f, err = float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f, err = float64(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			f, err = rv.Float(), nil
		default:
			return 0, err
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}

// normalize turns arbitrary maps, slices and pointers produced by the
// interpreter into map[string]any, []any and plain values.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, map[string]any, []any:
		return v
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return rv.Interface()
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.String:
		return rv.String()
	}
	return rv.Interface()
}

func describeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if len(val) > 40 {
			val = val[:40] + "..."
		}
		return fmt.Sprintf("%q", val)
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%v (%T)", v, v)
}

// =============================================================================
// VALIDATION
// =============================================================================

// validate checks constraints with an OpenAPI object schema compiled from s.
func validate(inst map[string]any, s *Schema) []failure.Detail {
	compiled := compileObject(s.Fields)
	err := compiled.VisitJSON(jsonValue(inst), openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var details []failure.Detail
	collectErrors(err, &details)
	return details
}

func compileObject(fields []Field) *openapi3.Schema {
	obj := openapi3.NewObjectSchema()
	var required []string
	for i := range fields {
		f := &fields[i]
		obj.WithProperty(f.Name, compileField(f))
		if !f.Optional {
			required = append(required, f.Name)
		}
	}
	obj.Required = required
	return obj
}

func compileField(f *Field) *openapi3.Schema {
	var s *openapi3.Schema
	switch f.Type {
	case TypeString:
		s = openapi3.NewStringSchema()
		if f.MinLength != nil {
			s.WithMinLength(int64(*f.MinLength))
		}
		if f.MaxLength != nil {
			s.WithMaxLength(int64(*f.MaxLength))
		}
		if f.Pattern != "" {
			s.WithPattern(f.Pattern)
		}
	case TypeNumber:
		s = openapi3.NewFloat64Schema()
	case TypeInteger:
		s = openapi3.NewIntegerSchema()
	case TypeBoolean:
		s = openapi3.NewBoolSchema()
	case TypeArray:
		s = openapi3.NewArraySchema().WithItems(compileField(f.Items))
		if f.MinLength != nil {
			s.WithMinItems(int64(*f.MinLength))
		}
		if f.MaxLength != nil {
			s.WithMaxItems(int64(*f.MaxLength))
		}
	case TypeObject:
		s = compileObject(f.Fields)
	default:
		s = openapi3.NewSchema()
	}

	if f.Type == TypeNumber || f.Type == TypeInteger {
		if f.Minimum != nil {
			s.WithMin(*f.Minimum)
		}
		if f.Maximum != nil {
			s.WithMax(*f.Maximum)
		}
	}
	if len(f.Enum) > 0 {
		values := make([]interface{}, len(f.Enum))
		for i, v := range f.Enum {
			values[i] = v
		}
		s.WithEnum(values...)
	}
	return s
}

func collectErrors(err error, out *[]failure.Detail) {
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, inner := range e {
			collectErrors(inner, out)
		}
	case *openapi3.SchemaError:
		path := ""
		if ptr := e.JSONPointer(); len(ptr) > 0 {
			path = "/" + strings.Join(ptr, "/")
		}
		*out = append(*out, failure.Detail{Path: path, Problem: e.Reason})
	default:
		*out = append(*out, failure.Detail{Problem: err.Error()})
	}
}

// jsonValue converts coerced Go values into the float64-based shapes
// encoding/json would produce, which is what the validator expects.
func jsonValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case int64:
		return float64(val)
	}
	return v
}
