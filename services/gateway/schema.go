// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"fmt"
	"strings"
)

// Kind is the primitive kind a schema field accepts.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

// FieldSpec is a tagged field descriptor: one constraint in a tool's
// input contract. Explicit typed descriptors evaluated by a generic
// validator replace runtime-constructed schema objects.
type FieldSpec struct {
	// Name is the input field name.
	Name string

	// Kind is the expected primitive kind.
	Kind Kind

	// Required fields must be present and non-nil.
	Required bool

	// MinLen / MaxLen bound string length. Zero means unbounded.
	MinLen int
	MaxLen int

	// Min / Max bound numeric values. Nil means unbounded.
	Min *float64
	Max *float64

	// Enum restricts a string field to a fixed set of values.
	Enum []string

	// Description documents the field for discovery output.
	Description string
}

// InputSchema is a structural validator over a mapping from field
// name to constraint.
type InputSchema struct {
	Fields []FieldSpec
}

// Violation is a single validation failure: the offending field and
// the reason it failed.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Validate checks input against every field constraint and returns
// all violations, not just the first. Fields present in the input but
// absent from the schema are rejected, so typos fail loudly.
func (s InputSchema) Validate(input map[string]any) []Violation {
	var violations []Violation

	known := make(map[string]bool, len(s.Fields))
	for _, field := range s.Fields {
		known[field.Name] = true
		value, present := input[field.Name]

		if !present || value == nil {
			if field.Required {
				violations = append(violations, Violation{
					Field:  field.Name,
					Reason: "required field is missing",
				})
			}
			continue
		}

		violations = append(violations, field.check(value)...)
	}

	for name := range input {
		if !known[name] {
			violations = append(violations, Violation{
				Field:  name,
				Reason: "unknown field",
			})
		}
	}

	return violations
}

// check validates a present, non-nil value against one field spec.
func (f FieldSpec) check(value any) []Violation {
	var violations []Violation

	fail := func(format string, args ...any) {
		violations = append(violations, Violation{
			Field:  f.Name,
			Reason: fmt.Sprintf(format, args...),
		})
	}

	switch f.Kind {
	case KindString:
		str, ok := value.(string)
		if !ok {
			fail("expected string, got %T", value)
			return violations
		}
		if f.MinLen > 0 && len(str) < f.MinLen {
			fail("length %d is below minimum %d", len(str), f.MinLen)
		}
		if f.MaxLen > 0 && len(str) > f.MaxLen {
			fail("length %d exceeds maximum %d", len(str), f.MaxLen)
		}
		if len(f.Enum) > 0 && !contains(f.Enum, str) {
			fail("value %q not in allowed set [%s]", str, strings.Join(f.Enum, ", "))
		}

	case KindInt:
		n, ok := asFloat(value)
		if !ok || n != float64(int64(n)) {
			fail("expected integer, got %T", value)
			return violations
		}
		violations = append(violations, f.checkBounds(n)...)

	case KindFloat:
		n, ok := asFloat(value)
		if !ok {
			fail("expected number, got %T", value)
			return violations
		}
		violations = append(violations, f.checkBounds(n)...)

	case KindBool:
		if _, ok := value.(bool); !ok {
			fail("expected bool, got %T", value)
		}

	case KindList:
		if _, ok := value.([]any); !ok {
			fail("expected list, got %T", value)
		}

	case KindMap:
		if _, ok := value.(map[string]any); !ok {
			fail("expected object, got %T", value)
		}

	default:
		fail("schema declares unknown kind %q", f.Kind)
	}

	return violations
}

func (f FieldSpec) checkBounds(n float64) []Violation {
	var violations []Violation
	if f.Min != nil && n < *f.Min {
		violations = append(violations, Violation{
			Field:  f.Name,
			Reason: fmt.Sprintf("value %v is below minimum %v", n, *f.Min),
		})
	}
	if f.Max != nil && n > *f.Max {
		violations = append(violations, Violation{
			Field:  f.Name,
			Reason: fmt.Sprintf("value %v exceeds maximum %v", n, *f.Max),
		})
	}
	return violations
}

// FieldDescriptor is the structural description of one schema field,
// exposed through tool discovery so a planning agent can construct
// valid input.
type FieldDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Describe returns the discovery view of the schema.
func (s InputSchema) Describe() []FieldDescriptor {
	descriptors := make([]FieldDescriptor, 0, len(s.Fields))
	for _, field := range s.Fields {
		descriptors = append(descriptors, FieldDescriptor{
			Name:        field.Name,
			Type:        string(field.Kind),
			Required:    field.Required,
			Description: field.Description,
		})
	}
	return descriptors
}

// asFloat normalizes the numeric types JSON decoding and Go callers
// produce.
func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
