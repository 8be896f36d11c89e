// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety provides input sanitization and prompt-injection
// heuristics for text that flows into LLM prompts or back out to users.
//
// The filter has three jobs:
//
//   - SanitizeText: strip control characters from free-text input
//   - DetectInjection: flag suspected prompt-injection phrasing
//   - SanitizeHTML: allowlist formatting markup in AI-authored output
//
// Detection is advisory. It reports findings so callers can log,
// score, or reject, but it never blocks on its own; availability of
// the tutoring flow is the caller's call to make.
//
// # Thread Safety
//
// All functions are safe for concurrent use. Patterns and the HTML
// policy are compiled once at package initialization.
package safety

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// InjectionReport is the result of scanning text for prompt-injection
// heuristics.
type InjectionReport struct {
	// Safe is true when no pattern matched.
	Safe bool

	// Detected is true when at least one pattern matched.
	Detected bool

	// MatchCount is the number of patterns that matched.
	MatchCount int

	// Matched lists the names of the patterns that matched, in
	// evaluation order. Useful for logging and tuning.
	Matched []string
}

// injectionPattern pairs a stable name with its compiled heuristic.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

// injectionPatterns is the fixed, ordered list of case-insensitive
// heuristics. Order is stable so reports are deterministic.
//
// These are heuristics, not a parser: they catch the common phrasings
// of instruction-override attempts seen in tutoring chat logs.
var injectionPatterns = []injectionPattern{
	{"ignore_instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+|the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|messages?)`)},
	{"disregard_instructions", regexp.MustCompile(`(?i)disregard\s+(all\s+|the\s+)?(previous|prior|above|earlier)`)},
	{"forget_instructions", regexp.MustCompile(`(?i)forget\s+(everything|all|your\s+(instructions?|rules))`)},
	{"role_override", regexp.MustCompile(`(?i)you\s+are\s+now\s+`)},
	{"role_play", regexp.MustCompile(`(?i)(pretend\s+(to\s+be|you\s+are)|act\s+as\s+(if|an?)\s)`)},
	{"new_instructions", regexp.MustCompile(`(?i)new\s+instructions?\s*:`)},
	{"system_prompt_probe", regexp.MustCompile(`(?i)(reveal|show|print|repeat)\b.{0,40}\b(system\s+prompt|initial\s+instructions?)`)},
	{"system_token", regexp.MustCompile(`(?i)(\[/?(system|inst)\]|<\|?(system|im_start|im_end)\|?>)`)},
	{"jailbreak", regexp.MustCompile(`(?i)\b(jailbreak|dan\s+mode|developer\s+mode\s+enabled)\b`)},
}

// htmlPolicy restricts AI-authored markup to text-formatting tags.
// Attributes are stripped wholesale; no links, no styles, no handlers.
var htmlPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"b", "i", "em", "strong", "u", "s",
		"p", "br", "blockquote",
		"code", "pre",
		"ul", "ol", "li",
		"h1", "h2", "h3", "h4",
	)
	return p
}()

// SanitizeText strips null bytes and non-printable control characters
// (preserving newline and tab) and trims surrounding whitespace.
//
// It never fails; input that is already clean passes through
// unchanged apart from trimming.
//
//	safety.SanitizeText("a\x00b\x07c")  // "abc"
func SanitizeText(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, raw)
	return strings.TrimSpace(cleaned)
}

// DetectInjection evaluates the fixed heuristic list against text and
// reports which patterns matched.
//
// The report is advisory only. Callers decide whether a detection
// blocks, downgrades, or merely logs; this function takes no action.
//
//	report := safety.DetectInjection(userMessage)
//	if report.Detected {
//	    logger.Warn("possible prompt injection", "patterns", report.Matched)
//	}
func DetectInjection(text string) InjectionReport {
	report := InjectionReport{Safe: true}
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			report.MatchCount++
			report.Matched = append(report.Matched, p.name)
		}
	}
	if report.MatchCount > 0 {
		report.Safe = false
		report.Detected = true
	}
	return report
}

// SanitizeHTML restricts markup to text-formatting tags, stripping
// everything else including all attributes. Use it before rendering
// any AI-authored text that may be interpreted as HTML.
func SanitizeHTML(html string) string {
	return htmlPolicy.Sanitize(html)
}
