// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func violationFields(violations []Violation) []string {
	fields := make([]string, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, v.Field)
	}
	return fields
}

// TestValidate_ValidInput verifies a conforming input yields no
// violations.
func TestValidate_ValidInput(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString, Required: true, MinLen: 3},
		{Name: "top_k", Kind: KindInt},
	}}

	violations := schema.Validate(map[string]any{
		"question": "what is a slice?",
		"top_k":    5,
	})
	assert.Empty(t, violations)
}

// TestValidate_MissingRequired verifies absent required fields are
// reported.
func TestValidate_MissingRequired(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString, Required: true},
	}}

	violations := schema.Validate(map[string]any{})
	require.Len(t, violations, 1)
	assert.Equal(t, "question", violations[0].Field)
	assert.Contains(t, violations[0].Reason, "required")
}

// TestValidate_NilCountsAsMissing verifies an explicit nil fails a
// required field.
func TestValidate_NilCountsAsMissing(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString, Required: true},
	}}

	violations := schema.Validate(map[string]any{"question": nil})
	require.Len(t, violations, 1)
	assert.Equal(t, "question", violations[0].Field)
}

// TestValidate_OptionalAbsentIsFine verifies absent optional fields
// pass.
func TestValidate_OptionalAbsentIsFine(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "collection", Kind: KindString},
	}}
	assert.Empty(t, schema.Validate(map[string]any{}))
}

// TestValidate_AllViolationsReported verifies validation aggregates
// every failure instead of stopping at the first.
func TestValidate_AllViolationsReported(t *testing.T) {
	min := 1.0
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString, Required: true},
		{Name: "top_k", Kind: KindInt, Min: &min},
	}}

	violations := schema.Validate(map[string]any{
		"top_k":   0,
		"unknown": "x",
	})

	fields := violationFields(violations)
	assert.Len(t, violations, 3)
	assert.Contains(t, fields, "question")
	assert.Contains(t, fields, "top_k")
	assert.Contains(t, fields, "unknown")
}

// TestValidate_TypeMismatch verifies kind checks per primitive.
func TestValidate_TypeMismatch(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString},
		{Name: "flag", Kind: KindBool},
		{Name: "items", Kind: KindList},
		{Name: "meta", Kind: KindMap},
	}}

	violations := schema.Validate(map[string]any{
		"question": 42,
		"flag":     "yes",
		"items":    "not-a-list",
		"meta":     []any{},
	})
	assert.Len(t, violations, 4)
}

// TestValidate_IntRejectsFraction verifies a fractional number fails
// an int field while a whole float passes (JSON decodes numbers as
// float64).
func TestValidate_IntRejectsFraction(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "top_k", Kind: KindInt},
	}}

	assert.Empty(t, schema.Validate(map[string]any{"top_k": float64(5)}))
	assert.Len(t, schema.Validate(map[string]any{"top_k": 5.5}), 1)
}

// TestValidate_StringBounds verifies MinLen/MaxLen enforcement.
func TestValidate_StringBounds(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString, MinLen: 3, MaxLen: 10},
	}}

	assert.Empty(t, schema.Validate(map[string]any{"question": "valid"}))
	assert.Len(t, schema.Validate(map[string]any{"question": "ab"}), 1)
	assert.Len(t, schema.Validate(map[string]any{"question": "far too long for this"}), 1)
}

// TestValidate_NumericBounds verifies Min/Max enforcement.
func TestValidate_NumericBounds(t *testing.T) {
	min, max := 1.0, 50.0
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "top_k", Kind: KindInt, Min: &min, Max: &max},
	}}

	assert.Empty(t, schema.Validate(map[string]any{"top_k": 25}))
	assert.Len(t, schema.Validate(map[string]any{"top_k": 0}), 1)
	assert.Len(t, schema.Validate(map[string]any{"top_k": 51}), 1)
}

// TestValidate_Enum verifies enum membership on string fields.
func TestValidate_Enum(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "mode", Kind: KindString, Enum: []string{"fast", "thorough"}},
	}}

	assert.Empty(t, schema.Validate(map[string]any{"mode": "fast"}))
	assert.Len(t, schema.Validate(map[string]any{"mode": "sloppy"}), 1)
}

// TestValidate_UnknownFieldRejected verifies typoed field names fail
// loudly.
func TestValidate_UnknownFieldRejected(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString},
	}}

	violations := schema.Validate(map[string]any{"qeustion": "oops"})
	require.Len(t, violations, 1)
	assert.Equal(t, "qeustion", violations[0].Field)
	assert.Equal(t, "unknown field", violations[0].Reason)
}

// TestDescribe verifies the discovery view mirrors the field specs.
func TestDescribe(t *testing.T) {
	schema := InputSchema{Fields: []FieldSpec{
		{Name: "question", Kind: KindString, Required: true, Description: "the question"},
		{Name: "top_k", Kind: KindInt},
	}}

	descriptors := schema.Describe()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "question", descriptors[0].Name)
	assert.Equal(t, "string", descriptors[0].Type)
	assert.True(t, descriptors[0].Required)
	assert.Equal(t, "int", descriptors[1].Type)
	assert.False(t, descriptors[1].Required)
}
