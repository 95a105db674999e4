package generator

import (
	"time"

	"github.com/c360studio/envdraft/compliance"
	"github.com/c360studio/envdraft/template"
)

// Outcome is the result class of one section generation.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeDegraded         Outcome = "degraded"
	OutcomeQuotaDenied      Outcome = "quota_denied"
	OutcomeProviderError    Outcome = "provider_error"
	OutcomeComplianceFailed Outcome = "compliance_failed"
)

// ErrorKind classifies what went wrong. It is empty for a clean ok.
type ErrorKind string

const (
	ErrorUnknownSection      ErrorKind = "unknown_section"
	ErrorMissingVariable     ErrorKind = "missing_variable"
	ErrorQuotaDenied         ErrorKind = "quota_denied"
	ErrorProviderPermanent   ErrorKind = "provider_permanent"
	ErrorProviderUnavailable ErrorKind = "provider_unavailable"
	ErrorValidation          ErrorKind = "validation"
	ErrorComplianceFailed    ErrorKind = "compliance_failed"
)

// Record is one attempted section generation. Text is never empty: when
// nothing could be produced it holds a labelled stub and Fallback is set.
type Record struct {
	ID           string             `json:"id"`
	Section      template.Key       `json:"section"`
	Title        string             `json:"title"`
	ChapterTitle string             `json:"chapter_title,omitempty"`
	Strategy     template.Strategy  `json:"strategy,omitempty"`
	Fingerprint  string             `json:"fingerprint,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Outcome      Outcome            `json:"outcome"`
	Text         string             `json:"text"`
	Report       *compliance.Report `json:"report,omitempty"`

	// Cached is set when the text was served from the generation cache.
	Cached bool `json:"cached"`
	// Coalesced is set when this call joined another caller's in-flight
	// generation for the same fingerprint.
	Coalesced bool `json:"coalesced,omitempty"`
	// Fallback is set when Text is a degraded-mode stub.
	Fallback bool `json:"fallback,omitempty"`

	// ProviderCalls counts provider invocations made on behalf of this call.
	ProviderCalls int    `json:"provider_calls"`
	Model         string `json:"model,omitempty"`

	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	MissingVars []string  `json:"missing_vars,omitempty"`
}

// Score returns the compliance score, or 100 when no check ran.
func (r *Record) Score() int {
	if r.Report == nil {
		return 100
	}
	return r.Report.Score
}

// Duration is the wall-clock time the generation took.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary is the provenance view of a record, without the text.
type Summary struct {
	ID            string             `json:"id"`
	Section       string             `json:"section"`
	Anchor        string             `json:"anchor"`
	Title         string             `json:"title"`
	Strategy      template.Strategy  `json:"strategy,omitempty"`
	Outcome       Outcome            `json:"outcome"`
	Cached        bool               `json:"cached"`
	Fallback      bool               `json:"fallback,omitempty"`
	Score         int                `json:"score"`
	Issues        []compliance.Issue `json:"issues,omitempty"`
	ErrorKind     ErrorKind          `json:"error_kind,omitempty"`
	Error         string             `json:"error,omitempty"`
	MissingVars   []string           `json:"missing_vars,omitempty"`
	Fingerprint   string             `json:"fingerprint,omitempty"`
	ProviderCalls int                `json:"provider_calls"`
	DurationMS    int64              `json:"duration_ms"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Summarize returns the provenance view of r.
func (r *Record) Summarize() Summary {
	s := Summary{
		ID:            r.ID,
		Section:       r.Section.String(),
		Anchor:        r.Section.Anchor(),
		Title:         r.Title,
		Strategy:      r.Strategy,
		Outcome:       r.Outcome,
		Cached:        r.Cached,
		Fallback:      r.Fallback,
		Score:         r.Score(),
		ErrorKind:     r.ErrorKind,
		Error:         r.Error,
		MissingVars:   r.MissingVars,
		Fingerprint:   r.Fingerprint,
		ProviderCalls: r.ProviderCalls,
		DurationMS:    r.Duration().Milliseconds(),
		GeneratedAt:   r.FinishedAt,
	}
	if r.Report != nil {
		s.Issues = r.Report.Issues
	}
	return s
}
