// Package engine is the single entry point into the drafting core. It owns the
// long-lived collaborators (AI client, quota tracker, generation cache) and an
// immutable pipeline built from the template library, which ReloadTemplates
// replaces atomically.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/envdraft/aiclient"
	"github.com/c360studio/envdraft/assembler"
	"github.com/c360studio/envdraft/cache"
	"github.com/c360studio/envdraft/compliance"
	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/generator"
	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/prompt"
	"github.com/c360studio/envdraft/quota"
	"github.com/c360studio/envdraft/template"
)

// Library locates the template library and the rule matrix.
type Library struct {
	TemplateRoot  string
	DocumentsFile string
	RulesFile     string
}

// Settings are the pipeline parameters that survive a reload.
type Settings struct {
	Library      Library
	Generation   model.Config
	MissingValue string
	Parallelism  int
}

// pipeline is everything derived from the library files. A pipeline is never
// mutated; a reload builds a new one.
type pipeline struct {
	catalogue *template.Catalogue
	matrix    *compliance.Matrix
	checker   *compliance.Checker
	generator *generator.Generator
	assembler *assembler.Assembler
}

// Engine is safe for concurrent use.
type Engine struct {
	settings Settings
	ai       *aiclient.Client
	tracker  *quota.Tracker
	cache    *cache.Cache
	builder  *prompt.Builder
	health   func() llm.EndpointHealth

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	pipe     atomic.Pointer[pipeline]
	reloadMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink passed to the pipeline.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the time source for records and documents.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithHealth reports provider health through Health.
func WithHealth(fn func() llm.EndpointHealth) Option {
	return func(e *Engine) {
		e.health = fn
	}
}

// New loads the library and builds the first pipeline. A library that fails
// to load returns the *template.LoadError or *compliance.LoadError; the engine
// must not serve in that case. c may be nil to disable caching.
func New(settings Settings, ai *aiclient.Client, tracker *quota.Tracker, c *cache.Cache, opts ...Option) (*Engine, error) {
	if settings.Parallelism < 1 {
		settings.Parallelism = assembler.DefaultParallelism
	}
	e := &Engine{
		settings: settings,
		ai:       ai,
		tracker:  tracker,
		cache:    c,
		builder:  prompt.NewBuilder(settings.MissingValue),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	p, err := e.load()
	if err != nil {
		return nil, err
	}
	e.pipe.Store(p)

	e.logger.Info("Template library loaded",
		"sections", p.catalogue.Len(),
		"documents", len(p.catalogue.Documents()),
		"rule_sections", len(p.matrix.Sections()),
		"version", shortVersion(p.catalogue.Version()))
	return e, nil
}

func (e *Engine) load() (*pipeline, error) {
	cat, err := template.Load(template.Options{
		Root:          e.settings.Library.TemplateRoot,
		DocumentsFile: e.settings.Library.DocumentsFile,
		Logger:        e.logger,
	})
	if err != nil {
		return nil, err
	}
	matrix, err := compliance.LoadMatrix(e.settings.Library.RulesFile)
	if err != nil {
		return nil, err
	}
	for _, key := range matrix.Sections() {
		k, perr := template.ParseKey(key)
		if perr != nil {
			continue
		}
		if _, ok := cat.Get(k); !ok {
			e.logger.Warn("Rules reference a section missing from the library", "section", key)
		}
	}

	checker := compliance.NewChecker(matrix)
	gen := generator.New(generator.Deps{
		Catalogue: cat,
		Builder:   e.builder,
		AI:        e.ai,
		Cache:     e.cache,
		Checker:   checker,
		Config:    e.settings.Generation,
	},
		generator.WithLogger(e.logger),
		generator.WithMetrics(e.metrics),
		generator.WithClock(e.now),
	)
	asm := assembler.New(gen,
		assembler.WithParallelism(e.settings.Parallelism),
		assembler.WithLogger(e.logger),
		assembler.WithMetrics(e.metrics),
		assembler.WithClock(e.now),
	)
	return &pipeline{
		catalogue: cat,
		matrix:    matrix,
		checker:   checker,
		generator: gen,
		assembler: asm,
	}, nil
}

// AssembleDocument renders every section of documentType for the enterprise.
// The only error is an unknown document type.
func (e *Engine) AssembleDocument(ctx context.Context, documentType string, data enterprise.Data, userID string) (*assembler.Document, error) {
	return e.pipe.Load().assembler.Assemble(ctx, documentType, data, userID)
}

// GenerateSingleSection produces one section for preview. A key that does not
// parse is an error; a well-formed key missing from the library yields a
// record with outcome provider_error.
func (e *Engine) GenerateSingleSection(ctx context.Context, sectionKey string, data enterprise.Data, userID string) (*generator.Record, error) {
	key, err := template.ParseKey(sectionKey)
	if err != nil {
		return nil, err
	}
	return e.pipe.Load().generator.Generate(ctx, key, data, userID), nil
}

// CheckSections audits texts keyed by "chapter/section" against the current
// rule matrix.
func (e *Engine) CheckSections(texts map[string]string) *compliance.Summary {
	return e.pipe.Load().checker.CheckMany(texts)
}

// CacheStats returns the local cache counters.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// InvalidateCache drops cached sections whose key starts with prefix, or every
// entry when prefix is empty. It returns the number of local entries removed.
func (e *Engine) InvalidateCache(ctx context.Context, prefix string) int {
	if e.cache == nil {
		return 0
	}
	return e.cache.Invalidate(ctx, prefix)
}

// ReloadTemplates rebuilds the pipeline from disk. On failure the running
// pipeline is kept and the load error returned. Sections already in flight
// finish against the pipeline they started with.
func (e *Engine) ReloadTemplates(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	next, err := e.load()
	if err != nil {
		e.logger.Error("Template reload failed, keeping current library", "error", err)
		return err
	}
	prev := e.pipe.Swap(next)

	if prev.catalogue.Version() != next.catalogue.Version() {
		removed := e.InvalidateCache(ctx, "")
		e.logger.Info("Template library reloaded",
			"sections", next.catalogue.Len(),
			"version", shortVersion(next.catalogue.Version()),
			"invalidated", removed)
		return nil
	}
	e.logger.Info("Template library reloaded, content unchanged",
		"version", shortVersion(next.catalogue.Version()))
	return nil
}

// Documents lists the registered document types.
func (e *Engine) Documents() []*template.DocumentType {
	return e.pipe.Load().catalogue.Documents()
}

// Catalogue returns the catalogue of the current pipeline.
func (e *Engine) Catalogue() *template.Catalogue {
	return e.pipe.Load().catalogue
}

// Usage returns today's provider usage for userID.
func (e *Engine) Usage(userID string) quota.Usage {
	return e.tracker.Usage(userID)
}

// GlobalUsage returns today's provider usage across all users.
func (e *Engine) GlobalUsage() quota.Usage {
	return e.tracker.GlobalUsage()
}

// Health returns the provider endpoint status. Without a health source the
// provider is reported available.
func (e *Engine) Health() llm.EndpointHealth {
	if e.health == nil {
		return llm.EndpointHealth{Available: true}
	}
	return e.health()
}

// Watch returns the files and directories whose changes should trigger a
// reload.
func (e *Engine) Watch() []string {
	var paths []string
	for _, p := range []string{e.settings.Library.TemplateRoot, e.settings.Library.DocumentsFile, e.settings.Library.RulesFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Close releases the shared cache tier.
func (e *Engine) Close() error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	return nil
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
