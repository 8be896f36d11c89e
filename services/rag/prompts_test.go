// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLookupTemplate_EmbeddedTemplatesLoad verifies every shipped
// template parses and is retrievable.
func TestLookupTemplate_EmbeddedTemplatesLoad(t *testing.T) {
	for _, name := range []string{"answer", "explain_concept", "roadmap_guidance"} {
		tmpl, err := LookupTemplate(name)
		require.NoError(t, err, "template %q should load", name)
		assert.Equal(t, name, tmpl.Name)
		assert.Contains(t, tmpl.Body, "{context}")
		assert.Contains(t, tmpl.Body, "{question}")
	}
}

// TestLookupTemplate_Unknown verifies unknown names are an error.
func TestLookupTemplate_Unknown(t *testing.T) {
	_, err := LookupTemplate("nonexistent")
	assert.Error(t, err)
}

// TestLookupTemplate_RoadmapOverrides verifies the roadmap template
// carries its collection and topK overrides.
func TestLookupTemplate_RoadmapOverrides(t *testing.T) {
	tmpl, err := LookupTemplate("roadmap_guidance")
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", tmpl.Collection)
	assert.Equal(t, 8, tmpl.TopK)
}

// TestPromptTemplate_Render verifies placeholder substitution.
func TestPromptTemplate_Render(t *testing.T) {
	tmpl := PromptTemplate{Body: "Context:\n{context}\n\nQ: {question}"}
	out := tmpl.Render("some facts", "why?")
	assert.Equal(t, "Context:\nsome facts\n\nQ: why?", out)
}
