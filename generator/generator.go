// Package generator produces the text of one document section. It routes
// deterministic strategies through local substitution and AI strategies
// through the cache, the AI client and one corrective retry, and reports
// every failure as a typed outcome on the returned Record.
package generator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/envdraft/aiclient"
	"github.com/c360studio/envdraft/cache"
	"github.com/c360studio/envdraft/compliance"
	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/prompt"
	"github.com/c360studio/envdraft/template"
)

// Deps are the collaborators a Generator reads. All are required except
// Cache; a nil cache disables memoisation.
type Deps struct {
	Catalogue *template.Catalogue
	Builder   *prompt.Builder
	AI        *aiclient.Client
	Cache     *cache.Cache
	Checker   *compliance.Checker

	// Config is the generation configuration sent to the provider.
	Config model.Config
}

// Generator is safe for concurrent use.
type Generator struct {
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// New creates a generator over deps.
func New(deps Deps, opts ...Option) *Generator {
	if deps.Builder == nil {
		deps.Builder = &prompt.Builder{}
	}
	if deps.Checker == nil {
		deps.Checker = compliance.NewChecker(nil)
	}
	g := &Generator{
		deps:   deps,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Catalogue returns the catalogue the generator resolves sections from.
func (g *Generator) Catalogue() *template.Catalogue {
	return g.deps.Catalogue
}

// Generate produces the text for key on behalf of userID. It never returns
// nil and never fails; problems are recorded on the Record.
func (g *Generator) Generate(ctx context.Context, key template.Key, data enterprise.Data, userID string) *Record {
	rec := &Record{
		ID:        uuid.NewString(),
		Section:   key,
		Title:     key.String(),
		StartedAt: g.now(),
	}
	defer g.finish(rec)

	s, ok := g.deps.Catalogue.Get(key)
	if !ok {
		rec.Outcome = OutcomeProviderError
		rec.ErrorKind = ErrorUnknownSection
		rec.Error = template.ErrUnknownSection.Error()
		rec.Fallback = true
		rec.Text = g.deps.AI.Stub(&prompt.Prompt{Section: key, Title: key.String(), EnterpriseName: data.Name()}, aiclient.ReasonUnknownSection)
		g.logger.Warn("Unknown section requested",
			"section", key.String(),
			"error_kind", rec.ErrorKind)
		return rec
	}
	rec.Title = s.Title
	rec.ChapterTitle = s.ChapterTitle
	rec.Strategy = s.Strategy

	if s.Strategy.UsesAI() {
		g.generateAI(ctx, s, data, userID, rec)
	} else {
		g.generateLocal(s, data, rec)
	}
	return rec
}

// GenerateSection is Generate for an already resolved section.
func (g *Generator) GenerateSection(ctx context.Context, s *template.Section, data enterprise.Data, userID string) *Record {
	return g.Generate(ctx, s.Key, data, userID)
}

func (g *Generator) finish(rec *Record) {
	rec.FinishedAt = g.now()
	if rec.Outcome == OutcomeOK && len(rec.MissingVars) > 0 && rec.ErrorKind == "" {
		rec.ErrorKind = ErrorMissingVariable
	}
	g.metrics.SectionOutcome(string(rec.Strategy), string(rec.Outcome))
	if rec.Report != nil {
		g.metrics.ComplianceScore(rec.Report.Score)
	}
	g.logger.Debug("Section generated",
		"section", rec.Section.String(),
		"strategy", rec.Strategy,
		"outcome", rec.Outcome,
		"cached", rec.Cached,
		"provider_calls", rec.ProviderCalls,
		"duration", rec.Duration())
}

// generateLocal renders fixed and variable_filled sections without the
// provider. Deterministic text is still checked against the rules.
func (g *Generator) generateLocal(s *template.Section, data enterprise.Data, rec *Record) {
	text, bindings, err := g.deps.Builder.Render(s, data)
	if err != nil {
		g.invalidInput(s, data, rec, err)
		return
	}
	rec.Fingerprint = cache.Fingerprint(s, bindings, g.deps.Config, g.deps.Catalogue.Version())
	rec.MissingVars = missing(bindings)
	g.warnMissing(s, rec.MissingVars)

	rec.Text = text
	g.applyReport(rec, g.deps.Checker.Check(s.Key.String(), text))
}

// attempt carries the leader's result to joiners of the same flight.
type attempt struct {
	outcome   Outcome
	errorKind ErrorKind
	err       string
	report    *compliance.Report
	calls     int
	fallback  bool
	model     string
}

func (g *Generator) generateAI(ctx context.Context, s *template.Section, data enterprise.Data, userID string, rec *Record) {
	p, err := g.deps.Builder.Build(s, data)
	if err != nil {
		g.invalidInput(s, data, rec, err)
		return
	}
	opening, _, err := g.deps.Builder.Render(s, data)
	if err != nil {
		g.invalidInput(s, data, rec, err)
		return
	}

	rec.Fingerprint = cache.Fingerprint(s, p.Bindings, g.deps.Config, g.deps.Catalogue.Version())
	rec.MissingVars = p.Missing()
	g.warnMissing(s, rec.MissingVars)

	compute := func(ctx context.Context) (*cache.Computed, error) {
		return g.compute(ctx, s, p, opening, userID)
	}

	if g.deps.Cache == nil {
		res, err := compute(ctx)
		g.applyComputed(s, p, rec, res, cache.OriginComputed, err)
		return
	}
	key := cache.Key(s.Key, rec.Fingerprint)
	res, origin, err := g.deps.Cache.GetOrCompute(ctx, key, compute)
	if err == nil && origin == cache.OriginCache && !g.deps.Checker.Check(s.Key.String(), res.Text).Passed {
		// Stored text predates the current rules.
		g.logger.Info("Cached text fails current rules, regenerating",
			"section", s.Key.String(),
			"fingerprint", rec.Fingerprint)
		g.deps.Cache.Delete(ctx, key)
		res, origin, err = g.deps.Cache.GetOrCompute(ctx, key, compute)
	}
	g.applyComputed(s, p, rec, res, origin, err)
}

// compute runs the provider call, the compliance check, and at most one
// corrective retry. Only text that passed the check is marked cacheable.
func (g *Generator) compute(ctx context.Context, s *template.Section, p *prompt.Prompt, opening, userID string) (*cache.Computed, error) {
	sectionKey := s.Key.String()
	a := &attempt{}

	res, err := g.deps.AI.Generate(ctx, p, g.deps.Config, userID)
	if res == nil {
		return nil, err
	}
	a.calls += providerCalls(err)
	a.model = res.Model
	if res.Degraded {
		a.fallback = true
		a.outcome, a.errorKind = degradedOutcome(err, res.Reason)
		if err != nil {
			a.err = err.Error()
		}
		return &cache.Computed{Text: compose(opening, res.Text), Value: a}, nil
	}

	text := compose(opening, res.Text)
	report := g.deps.Checker.Check(sectionKey, text)
	a.report = report
	if report.Passed {
		a.outcome = OutcomeOK
		return &cache.Computed{Text: text, Cacheable: true, Value: a}, nil
	}

	g.logger.Info("Section failed compliance, retrying with corrections",
		"section", sectionKey,
		"score", report.Score,
		"errors", len(report.Errors()))

	retry, err := g.deps.AI.Generate(ctx, prompt.Corrective(p, report.FormatFeedback()), g.deps.Config, userID)
	if retry != nil {
		a.calls += providerCalls(err)
	}
	if retry == nil || retry.Degraded {
		// The first draft is real text; keep it with its failing report.
		a.outcome = OutcomeComplianceFailed
		a.errorKind = ErrorComplianceFailed
		return &cache.Computed{Text: text, Value: a}, nil
	}

	text = compose(opening, retry.Text)
	a.model = retry.Model
	a.report = g.deps.Checker.Check(sectionKey, text)
	if a.report.Passed {
		a.outcome = OutcomeOK
		return &cache.Computed{Text: text, Cacheable: true, Value: a}, nil
	}
	a.outcome = OutcomeComplianceFailed
	a.errorKind = ErrorComplianceFailed
	return &cache.Computed{Text: text, Value: a}, nil
}

func (g *Generator) applyComputed(s *template.Section, p *prompt.Prompt, rec *Record, res *cache.Computed, origin cache.Origin, err error) {
	if err != nil {
		rec.Fallback = true
		rec.Error = err.Error()
		var ve *model.ValidationError
		switch {
		case errors.As(err, &ve):
			rec.Outcome = OutcomeProviderError
			rec.ErrorKind = ErrorValidation
			rec.Text = g.deps.AI.Stub(p, aiclient.ReasonInvalidInput)
		default:
			rec.Outcome = OutcomeDegraded
			rec.ErrorKind = ErrorProviderUnavailable
			rec.Text = g.deps.AI.Stub(p, aiclient.ReasonProviderUnavailable)
		}
		g.logger.Warn("Section generation abandoned",
			"section", s.Key.String(),
			"error_kind", rec.ErrorKind,
			"error", err)
		return
	}

	rec.Text = res.Text
	a, _ := res.Value.(*attempt)

	switch {
	case origin == cache.OriginCache || a == nil:
		rec.Cached = true
		g.applyReport(rec, g.deps.Checker.Check(s.Key.String(), res.Text))
		return
	case origin == cache.OriginShared:
		rec.Coalesced = true
		rec.Cached = res.Cacheable
	default:
		rec.ProviderCalls = a.calls
	}

	rec.Outcome = a.outcome
	rec.ErrorKind = a.errorKind
	rec.Error = a.err
	rec.Report = a.report
	rec.Fallback = a.fallback
	rec.Model = a.model
}

func (g *Generator) applyReport(rec *Record, report *compliance.Report) {
	rec.Report = report
	if report.Passed {
		rec.Outcome = OutcomeOK
		return
	}
	rec.Outcome = OutcomeComplianceFailed
	rec.ErrorKind = ErrorComplianceFailed
}

func (g *Generator) invalidInput(s *template.Section, data enterprise.Data, rec *Record, err error) {
	rec.Outcome = OutcomeDegraded
	rec.ErrorKind = ErrorValidation
	rec.Error = err.Error()
	rec.Fallback = true
	rec.Text = g.deps.AI.Stub(&prompt.Prompt{Section: s.Key, Title: s.Title, EnterpriseName: data.Name()}, aiclient.ReasonInvalidInput)
	g.logger.Warn("Enterprise data cannot satisfy section",
		"section", s.Key.String(),
		"error_kind", rec.ErrorKind,
		"error", err)
}

func (g *Generator) warnMissing(s *template.Section, vars []string) {
	if len(vars) == 0 {
		return
	}
	g.logger.Warn("Missing input variables, using neutral marker",
		"section", s.Key.String(),
		"error_kind", ErrorMissingVariable,
		"vars", vars)
}

// degradedOutcome maps the AI client's error and reason to an outcome.
func degradedOutcome(err error, reason aiclient.Reason) (Outcome, ErrorKind) {
	var pe *aiclient.ProviderPermanentError
	switch {
	case errors.Is(err, aiclient.ErrQuotaDenied):
		return OutcomeDegraded, ErrorQuotaDenied
	case errors.As(err, &pe):
		return OutcomeProviderError, ErrorProviderPermanent
	case reason == aiclient.ReasonQuotaDenied:
		return OutcomeDegraded, ErrorQuotaDenied
	default:
		return OutcomeDegraded, ErrorProviderUnavailable
	}
}

// providerCalls is 0 when the quota refused the call before it was sent.
func providerCalls(err error) int {
	if errors.Is(err, aiclient.ErrQuotaDenied) {
		return 0
	}
	return 1
}

// compose places the filled opening of a hybrid section before the
// generated prose.
func compose(opening, generated string) string {
	if opening == "" {
		return generated
	}
	return opening + "\n\n" + generated
}

func missing(bindings []enterprise.Binding) []string {
	var out []string
	for _, b := range bindings {
		if b.Missing {
			out = append(out, b.Name)
		}
	}
	return out
}
