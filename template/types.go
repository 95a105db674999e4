// Package template loads the declarative section library that drives document
// generation. A library is a directory of chapter files (one chapter per file)
// plus a documents file listing the ordered sections of each document type.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Strategy selects how a section's final text is produced.
type Strategy string

const (
	// StrategyFixed emits the template text verbatim.
	StrategyFixed Strategy = "fixed"
	// StrategyVariableFilled substitutes {{var}} placeholders locally.
	StrategyVariableFilled Strategy = "variable_filled"
	// StrategyAIWritten delegates the whole section to the LLM.
	StrategyAIWritten Strategy = "ai_written"
	// StrategyHybrid opens with the filled template and lets the LLM continue.
	StrategyHybrid Strategy = "hybrid"
)

// Valid reports whether s is one of the closed set of strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyVariableFilled, StrategyAIWritten, StrategyHybrid:
		return true
	default:
		return false
	}
}

// UsesAI reports whether sections with this strategy call the provider.
func (s Strategy) UsesAI() bool {
	return s == StrategyAIWritten || s == StrategyHybrid
}

// Key identifies a section across the whole library.
type Key struct {
	Chapter string `json:"chapter" yaml:"chapter"`
	Section string `json:"section" yaml:"section"`
}

// String renders the key as "chapter/section", e.g. "2/2.1".
func (k Key) String() string {
	return k.Chapter + "/" + k.Section
}

// Anchor returns the HTML anchor used for the section, e.g. "sec-2-2.1".
func (k Key) Anchor() string {
	return "sec-" + k.Chapter + "-" + k.Section
}

// ParseKey parses the "chapter/section" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	chapter, section, ok := strings.Cut(s, "/")
	if !ok || chapter == "" || section == "" {
		return Key{}, fmt.Errorf("invalid section key %q: want chapter/section", s)
	}
	return Key{Chapter: chapter, Section: section}, nil
}

// Section is one immutable entry of the catalogue.
type Section struct {
	Key Key `json:"key"`

	// ChapterTitle is copied from the owning chapter file.
	ChapterTitle string `json:"chapter_title,omitempty"`

	Title    string   `json:"title"`
	Strategy Strategy `json:"strategy"`

	// InputVars are dot-paths into the enterprise data.
	InputVars []string `json:"input_vars,omitempty"`

	// TemplateText may contain {{var}} placeholders.
	TemplateText string `json:"template_text,omitempty"`

	// Guidance is the authoring hint handed to the LLM.
	Guidance string `json:"guidance,omitempty"`
}

// placeholderRe matches {{ var.path }} with optional inner whitespace.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-.]+)\s*\}\}`)

// Placeholders returns the variable names referenced by text, in order of
// first appearance and without duplicates.
func Placeholders(text string) []string {
	matches := placeholderRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

// ReplacePlaceholders rewrites every {{var}} in text using lookup.
func ReplacePlaceholders(text string, lookup func(name string) string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return lookup(name)
	})
}

// DocumentType is a named, ordered composition of sections.
type DocumentType struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Sections []Key  `json:"sections"`
}

// The seven document types shipped with the default library.
const (
	DocRiskReport     = "risk_report"
	DocEmergencyPlan  = "emergency_plan"
	DocResourceSurvey = "resource_survey"
	DocReleaseOrder   = "release_order"
	DocOpinionsRecord = "opinions_record"
	DocMonitoringPlan = "monitoring_plan"
	DocRevisionNotes  = "revision_notes"
)
