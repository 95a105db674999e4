package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ProviderCall("ok", time.Second)
	m.QuotaDenied("user")
	m.CacheLookup("local", true)
	m.SectionOutcome("fixed", "ok")
	m.ComplianceScore(100)
	m.DocumentAssembled("emergency_plan", time.Second)
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ProviderCall("ok", 2*time.Second)
	m.ProviderCall("ok", time.Second)
	m.QuotaDenied("user")
	m.CacheLookup("local", true)
	m.CacheLookup("local", false)
	m.CacheLookup("local", false)
	m.SectionOutcome("ai_written", "degraded")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.providerCalls.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.quotaDenials.WithLabelValues("user")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheLookups.WithLabelValues("local", "miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sectionOutcomes.WithLabelValues("ai_written", "degraded")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
