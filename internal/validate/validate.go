// Package validate implements structural and type validation of inbound
// cloud messages against named schemas. A schema is a mapping of field
// name to type specifier, drawn from a closed set of specifiers (String,
// Number, Boolean, Date, List, Optional, Object). Validation is pure: no
// network or filesystem access, no mutation of its inputs.
package validate

import (
	"fmt"
	"time"
)

// Kind is the closed set of type specifiers a Schema field may carry.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBoolean
	KindDate
	KindList
	KindOptional
	KindObject
)

// TypeSpec describes the expected shape of one field.
type TypeSpec struct {
	Kind Kind
	// Elem is the item type for KindList and the wrapped type for
	// KindOptional.
	Elem *TypeSpec
	// Fields is the nested schema for KindObject.
	Fields Schema
}

// Schema maps field name to expected type.
type Schema map[string]TypeSpec

func String() TypeSpec   { return TypeSpec{Kind: KindString} }
func Number() TypeSpec   { return TypeSpec{Kind: KindNumber} }
func Boolean() TypeSpec  { return TypeSpec{Kind: KindBoolean} }
func Date() TypeSpec     { return TypeSpec{Kind: KindDate} }
func List(t TypeSpec) TypeSpec   { return TypeSpec{Kind: KindList, Elem: &t} }
func Optional(t TypeSpec) TypeSpec { return TypeSpec{Kind: KindOptional, Elem: &t} }
func Object(s Schema) TypeSpec    { return TypeSpec{Kind: KindObject, Fields: s} }

// Error is the first validation failure encountered, carrying a dotted
// field path and the expected/actual type for diagnostics.
type Error struct {
	Path     string
	Expected string
	Actual   string
	Missing  bool
}

func (e *Error) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing required field %q", e.Path)
	}
	return fmt.Sprintf("field %q: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// BaseMessage is the common envelope every cloud message carries.
var BaseMessage = Schema{
	"correlation_id": Optional(Number()),
	"action":         Optional(String()),
	"requested_at":   Optional(Date()),
}

// BaseDevice extends BaseMessage with the device_id every per-container
// command requires.
var BaseDevice = merge(BaseMessage, Schema{
	"device_id": String(),
})

func merge(base, extra Schema) Schema {
	out := make(Schema, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Validate checks data against schema, returning a shape that preserves
// unknown fields alongside the validated ones.
func Validate(schema Schema, data map[string]any) (map[string]any, *Error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	if err := validateInto("", schema, data); err != nil {
		return nil, err
	}
	return out, nil
}

func validateInto(prefix string, schema Schema, data map[string]any) *Error {
	for name, spec := range schema {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		value, present := data[name]
		if !present {
			if spec.Kind == KindOptional {
				continue
			}
			return &Error{Path: path, Missing: true}
		}
		if err := validateValue(path, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, spec TypeSpec, value any) *Error {
	switch spec.Kind {
	case KindOptional:
		if value == nil {
			return nil
		}
		return validateValue(path, *spec.Elem, value)
	case KindString:
		if _, ok := value.(string); !ok {
			return &Error{Path: path, Expected: "string", Actual: typeName(value)}
		}
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return &Error{Path: path, Expected: "number", Actual: typeName(value)}
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return &Error{Path: path, Expected: "boolean", Actual: typeName(value)}
		}
	case KindDate:
		s, ok := value.(string)
		if !ok {
			return &Error{Path: path, Expected: "ISO-8601 date string", Actual: typeName(value)}
		}
		if _, err := parseISODate(s); err != nil {
			return &Error{Path: path, Expected: "ISO-8601 date string", Actual: fmt.Sprintf("%q", s)}
		}
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return &Error{Path: path, Expected: "list", Actual: typeName(value)}
		}
		for i, item := range items {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), *spec.Elem, item); err != nil {
				return err
			}
		}
	case KindObject:
		m, ok := value.(map[string]any)
		if !ok {
			return &Error{Path: path, Expected: "object", Actual: typeName(value)}
		}
		return validateInto(path, spec.Fields, m)
	}
	return nil
}

func parseISODate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
