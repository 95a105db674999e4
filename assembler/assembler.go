// Package assembler builds a whole document: it resolves the document type's
// section list, generates sections with bounded concurrency, and weaves the
// results into one HTML string in catalogue order with per-section
// provenance.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/envdraft/enterprise"
	"github.com/c360studio/envdraft/generator"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/template"
)

// DefaultParallelism bounds concurrent section generations per document.
const DefaultParallelism = 4

// Document is an assembled document.
type Document struct {
	ID          string              `json:"id"`
	Type        string              `json:"document_type"`
	Title       string              `json:"title"`
	HTML        string              `json:"html"`
	Provenance  []generator.Summary `json:"provenance"`
	GeneratedAt time.Time           `json:"generated_at"`

	// Records are the full generation records in document order.
	Records []*generator.Record `json:"-"`
}

// Degraded returns the number of sections rendered with fallback text.
func (d *Document) Degraded() int {
	n := 0
	for _, rec := range d.Records {
		if rec.Fallback {
			n++
		}
	}
	return n
}

// Assembler is safe for concurrent use.
type Assembler struct {
	gen         *generator.Generator
	parallelism int
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithParallelism bounds concurrent section generations.
func WithParallelism(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Assembler) {
		a.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source for the generated-at stamp.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// New creates an assembler over gen.
func New(gen *generator.Generator, opts ...Option) *Assembler {
	a := &Assembler{
		gen:         gen,
		parallelism: DefaultParallelism,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble generates every section of documentType for data on behalf of
// userID. The only error is an unknown document type: section failures are
// recorded in the provenance and the document always assembles.
func (a *Assembler) Assemble(ctx context.Context, documentType string, data enterprise.Data, userID string) (*Document, error) {
	cat := a.gen.Catalogue()
	dt, ok := cat.Document(documentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", template.ErrUnknownDocument, documentType)
	}

	start := a.now()
	records := make([]*generator.Record, len(dt.Sections))

	var g errgroup.Group
	g.SetLimit(a.parallelism)
	for i, key := range dt.Sections {
		g.Go(func() error {
			records[i] = a.gen.Generate(ctx, key, data, userID)
			return nil
		})
	}
	_ = g.Wait()

	generatedAt := a.now()
	body, err := render(dt.ID, dt.Title, records, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", dt.ID, err)
	}

	doc := &Document{
		ID:          uuid.NewString(),
		Type:        dt.ID,
		Title:       dt.Title,
		HTML:        body,
		Provenance:  make([]generator.Summary, len(records)),
		GeneratedAt: generatedAt,
		Records:     records,
	}
	for i, rec := range records {
		doc.Provenance[i] = rec.Summarize()
	}

	elapsed := generatedAt.Sub(start)
	a.metrics.DocumentAssembled(dt.ID, elapsed)
	a.logger.Info("Document assembled",
		"document_type", dt.ID,
		"document_id", doc.ID,
		"sections", len(records),
		"degraded", doc.Degraded(),
		"user_id", userID,
		"duration", elapsed)

	return doc, nil
}
