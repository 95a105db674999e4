package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/envdraft/aiclient"
	"github.com/c360studio/envdraft/cache"
	"github.com/c360studio/envdraft/config"
	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/quota"

	// Register LLM providers via init()
	_ "github.com/c360studio/envdraft/llm/providers"
)

// FromConfig wires a production engine: HTTP provider client with retry and
// circuit breaker, quota tracker in the configured timezone, and the generation
// cache with its optional shared tier. An unreachable shared tier is logged and
// the engine runs local-only.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if llm.GetProvider(cfg.Provider.Name) == nil {
		return nil, fmt.Errorf("unknown provider %q (available: %s)",
			cfg.Provider.Name, strings.Join(llm.ListProviders(), ", "))
	}

	client := llm.NewClient(cfg.Endpoint(),
		llm.WithRetryConfig(cfg.Retry()),
		llm.WithTimeout(cfg.Provider.Timeout),
		llm.WithBreaker(llm.NewBreaker(cfg.Health())),
		llm.WithLogger(logger),
	)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tracker := quota.New(cfg.Limits(), loc)

	marker, err := aiclient.ParseMarkerTemplate(cfg.Degraded.MarkerTemplate)
	if err != nil {
		return nil, fmt.Errorf("degraded.marker_template: %w", err)
	}
	ai := aiclient.New(client, tracker,
		aiclient.WithMarkerTemplate(marker),
		aiclient.WithMetrics(m),
		aiclient.WithLogger(logger),
	)

	cacheOpts := []cache.Option{
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithMetrics(m),
		cache.WithLogger(logger),
	}
	if cfg.Cache.SharedURL != "" {
		tier, err := cache.DialShared(ctx, cfg.Cache.SharedURL, cfg.Cache.SharedBucket, cfg.Cache.TTL)
		if err != nil {
			logger.Warn("Shared cache unavailable, continuing with local cache only",
				"url", redactURL(cfg.Cache.SharedURL),
				"error", err)
		} else {
			logger.Info("Shared cache connected", "tier", tier.Name())
			cacheOpts = append(cacheOpts, cache.WithShared(tier))
		}
	}
	c := cache.New(cfg.Cache.Capacity, cacheOpts...)

	e, err := New(Settings{
		Library: Library{
			TemplateRoot:  cfg.Library.TemplateRoot,
			DocumentsFile: cfg.Library.DocumentsFile,
			RulesFile:     cfg.Library.RulesFile,
		},
		Generation:   cfg.Generation,
		MissingValue: cfg.Degraded.MissingValue,
		Parallelism:  cfg.Assembly.Parallelism,
	}, ai, tracker, c,
		WithLogger(logger),
		WithMetrics(m),
		WithHealth(client.Health),
	)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return e, nil
}

// redactURL drops credentials from a connection URL before logging it.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
