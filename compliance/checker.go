package compliance

import (
	"fmt"
	"sort"
	"strings"
)

// Score deductions per issue severity.
const (
	errorDeduction   = 15
	warningDeduction = 5
	excerptRadius    = 20
)

// Issue is one rule violation found in a section's text.
type Issue struct {
	RuleID   string   `json:"rule_id"`
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Excerpt  string   `json:"excerpt,omitempty"`
}

// Report is the compliance result for one section.
type Report struct {
	Section string  `json:"section"`
	Passed  bool    `json:"passed"`
	Score   int     `json:"score"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Errors returns the error-severity issues.
func (r *Report) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r *Report) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r *Report) filter(sev Severity) []Issue {
	if r == nil {
		return nil
	}
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

// FormatFeedback renders the violations as a correction request to append to
// a prompt. It returns an empty string for a passing report.
func (r *Report) FormatFeedback() string {
	if r == nil || r.Passed {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## 合规校验未通过\n\n")
	sb.WriteString("上一稿存在以下问题，请逐条修正后重新撰写本节全文：\n\n")

	for _, is := range r.Errors() {
		sb.WriteString(fmt.Sprintf("- “%s”\n", is.Message))
	}
	if warnings := r.Warnings(); len(warnings) > 0 {
		sb.WriteString("\n另请注意：\n\n")
		for _, is := range warnings {
			sb.WriteString(fmt.Sprintf("- “%s”\n", is.Message))
		}
	}
	sb.WriteString("\n只输出修订后的正文，不要解释修改过程。\n")
	return sb.String()
}

// Checker evaluates section text against a rule matrix. It holds no mutable
// state and is safe for concurrent use.
type Checker struct {
	matrix *Matrix
}

// NewChecker creates a checker over m. A nil matrix checks nothing.
func NewChecker(m *Matrix) *Checker {
	return &Checker{matrix: m}
}

// Check evaluates text against the rules of sectionKey.
func (c *Checker) Check(sectionKey, text string) *Report {
	report := &Report{Section: sectionKey, Passed: true, Score: 100}

	rules, ok := c.matrix.RulesFor(sectionKey)
	if !ok || rules.Len() == 0 {
		return report
	}

	for _, e := range rules.MustCover {
		if !matchesAny(e, text) {
			report.Issues = append(report.Issues, Issue{
				RuleID:   e.ID,
				Kind:     KindMustCover,
				Severity: e.Severity,
				Message:  messageOr(e.Message, fmt.Sprintf("缺少必备内容“%s”", e.label())),
			})
		}
	}

	for _, e := range rules.Avoid {
		if loc, ok := firstMatch(e, text); ok {
			report.Issues = append(report.Issues, Issue{
				RuleID:   e.ID,
				Kind:     KindAvoid,
				Severity: e.Severity,
				Message:  messageOr(e.Message, fmt.Sprintf("包含禁用表述“%s”", text[loc[0]:loc[1]])),
				Excerpt:  excerpt(text, loc[0], loc[1], excerptRadius),
			})
		}
	}

	for i := range rules.Requirements {
		e := &rules.Requirements[i]
		ok, detail := predicates[e.Check].eval(text, e)
		if ok {
			continue
		}
		report.Issues = append(report.Issues, Issue{
			RuleID:   e.ID,
			Kind:     KindRequirement,
			Severity: e.Severity,
			Message:  messageOr(e.Message, detail),
		})
	}

	report.Score = score(report.Issues)
	for _, is := range report.Issues {
		if is.Severity == SeverityError {
			report.Passed = false
			break
		}
	}
	return report
}

// Summary aggregates the reports of several sections.
type Summary struct {
	PerSection    map[string]*Report `json:"per_section"`
	OverallPassed bool               `json:"overall_passed"`
	OverallScore  float64            `json:"overall_score"`
	TotalIssues   int                `json:"total_issues"`
	TotalWarnings int                `json:"total_warnings"`
}

// CheckMany checks every entry of texts. TotalIssues counts error-severity
// issues and TotalWarnings counts warnings. An empty input passes with 100.
func (c *Checker) CheckMany(texts map[string]string) *Summary {
	sum := &Summary{
		PerSection:    make(map[string]*Report, len(texts)),
		OverallPassed: true,
		OverallScore:  100,
	}
	if len(texts) == 0 {
		return sum
	}

	keys := make([]string, 0, len(texts))
	for k := range texts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 0
	for _, k := range keys {
		r := c.Check(k, texts[k])
		sum.PerSection[k] = r
		total += r.Score
		sum.TotalIssues += len(r.Errors())
		sum.TotalWarnings += len(r.Warnings())
		if !r.Passed {
			sum.OverallPassed = false
		}
	}
	sum.OverallScore = float64(total) / float64(len(keys))
	return sum
}

func score(issues []Issue) int {
	s := 100
	for _, is := range issues {
		switch is.Severity {
		case SeverityError:
			s -= errorDeduction
		case SeverityWarning:
			s -= warningDeduction
		}
	}
	if s < 0 {
		return 0
	}
	return s
}

func matchesAny(e Entry, text string) bool {
	_, ok := firstMatch(e, text)
	return ok
}

func firstMatch(e Entry, text string) ([]int, bool) {
	for _, re := range e.patterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return loc, true
		}
	}
	return nil, false
}

func (e Entry) label() string {
	if e.Phrase != "" {
		return e.Phrase
	}
	return strings.Join(e.AnyOf, "／")
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
