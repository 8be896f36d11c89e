// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rag

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Prompt Templates
// =============================================================================

//go:embed prompts.yaml
var promptsYAML []byte

// PromptTemplate is one named prompt with optional retrieval
// overrides.
type PromptTemplate struct {
	// Name identifies the template.
	Name string `yaml:"name"`

	// Collection, when set, overrides the pipeline's default
	// collection for this template.
	Collection string `yaml:"collection"`

	// TopK, when positive, overrides the pipeline's default topK.
	TopK int `yaml:"top_k"`

	// Body is the prompt text with {context} and {question}
	// placeholders.
	Body string `yaml:"body"`
}

// Render substitutes the context and question into the template body.
func (t PromptTemplate) Render(contextText, question string) string {
	body := strings.ReplaceAll(t.Body, "{context}", contextText)
	return strings.ReplaceAll(body, "{question}", question)
}

type promptFile struct {
	Templates []PromptTemplate `yaml:"templates"`
}

var (
	promptsOnce sync.Once
	promptIndex map[string]PromptTemplate
	promptsErr  error
)

// loadPrompts parses the embedded template file once. Every template
// must have a name and a body referencing both placeholders; a
// malformed file is a build defect surfaced on first use.
func loadPrompts() (map[string]PromptTemplate, error) {
	promptsOnce.Do(func() {
		var file promptFile
		if err := yaml.Unmarshal(promptsYAML, &file); err != nil {
			promptsErr = fmt.Errorf("unmarshaling prompt templates: %w", err)
			return
		}
		if len(file.Templates) == 0 {
			promptsErr = fmt.Errorf("prompt template file declares no templates")
			return
		}

		index := make(map[string]PromptTemplate, len(file.Templates))
		for i, tmpl := range file.Templates {
			if tmpl.Name == "" {
				promptsErr = fmt.Errorf("prompt template at index %d has empty name", i)
				return
			}
			if _, exists := index[tmpl.Name]; exists {
				promptsErr = fmt.Errorf("duplicate prompt template %q", tmpl.Name)
				return
			}
			for _, placeholder := range []string{"{context}", "{question}"} {
				if !strings.Contains(tmpl.Body, placeholder) {
					promptsErr = fmt.Errorf("prompt template %q missing %s placeholder", tmpl.Name, placeholder)
					return
				}
			}
			index[tmpl.Name] = tmpl
		}
		promptIndex = index
	})
	return promptIndex, promptsErr
}

// LookupTemplate returns the named embedded prompt template.
func LookupTemplate(name string) (PromptTemplate, error) {
	index, err := loadPrompts()
	if err != nil {
		return PromptTemplate{}, err
	}
	tmpl, ok := index[name]
	if !ok {
		return PromptTemplate{}, fmt.Errorf("unknown prompt template %q", name)
	}
	return tmpl, nil
}
