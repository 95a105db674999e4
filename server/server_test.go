package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/envdraft/aiclient"
	"github.com/c360studio/envdraft/cache"
	"github.com/c360studio/envdraft/compliance"
	"github.com/c360studio/envdraft/engine"
	"github.com/c360studio/envdraft/generator"
	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/llm/testutil"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/quota"
)

const chapter = `
chapter: "1"
title: 总则
sections:
  - id: "1.1"
    title: 编制目的
    type: fixed
    templateText: 为规范突发环境事件应急管理工作，制定本应急预案。
  - id: "1.2"
    title: 企业概况
    type: ai_written
    inputVars: [enterprise_name]
    aiPromptHint: 介绍企业概况
`

const documents = `
documents:
  - id: emergency_plan
    title: 突发环境事件应急预案
    sections: ["1/1.1", "1/1.2"]
`

const rules = `
sections:
  "1/1.2":
    avoid: [绝对安全]
`

type testServer struct {
	ts   *httptest.Server
	mock *testutil.MockLLMClient
	lib  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	tmpl := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(tmpl, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "ch01.yaml"), []byte(chapter), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "documents.yaml"), []byte(documents), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "rules.yaml"), []byte(rules), 0o644))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mock := &testutil.MockLLMClient{
		Responses: []*llm.Response{{Content: "本企业位于苏州工业园区。", Model: "test-model"}},
	}
	tracker := quota.New(quota.Limits{PerUser: 5}, time.UTC)
	e, err := engine.New(engine.Settings{
		Library: engine.Library{
			TemplateRoot:  tmpl,
			DocumentsFile: filepath.Join(root, "documents.yaml"),
			RulesFile:     filepath.Join(root, "rules.yaml"),
		},
		Generation: model.DefaultConfig(),
	}, aiclient.New(mock, tracker, aiclient.WithMetrics(m)), tracker, cache.New(16, cache.WithMetrics(m)),
		engine.WithMetrics(m))
	require.NoError(t, err)

	ts := httptest.NewServer(New(e, WithGatherer(reg)).Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, mock: mock, lib: tmpl}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userHeader, "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var acme = map[string]any{"enterprise": map[string]any{"enterprise_name": "苏州某化工有限公司"}}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp := s.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 2, h.Sections)
	assert.NotEmpty(t, h.LibraryVersion)
}

func TestListDocuments(t *testing.T) {
	s := newTestServer(t)

	docs := decode[[]DocumentInfo](t, s.get(t, "/api/v1/documents"))
	require.Len(t, docs, 1)
	assert.Equal(t, "emergency_plan", docs[0].ID)
	assert.Equal(t, []string{"1/1.1", "1/1.2"}, docs[0].Sections)
}

func TestAssemble_JSON(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/api/v1/documents/emergency_plan", acme)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc struct {
		Type       string              `json:"document_type"`
		HTML       string              `json:"html"`
		Provenance []generator.Summary `json:"provenance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "emergency_plan", doc.Type)
	assert.Contains(t, doc.HTML, "本企业位于苏州工业园区。")
	require.Len(t, doc.Provenance, 2)
	assert.Equal(t, generator.OutcomeOK, doc.Provenance[1].Outcome)
}

func TestAssemble_Markdown(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/api/v1/documents/emergency_plan?format=md", acme)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/markdown"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# 突发环境事件应急预案")
	assert.NotContains(t, string(body), "<article")
}

func TestAssemble_Errors(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.post(t, "/api/v1/documents/nope", acme).StatusCode)
	assert.Equal(t, http.StatusBadRequest, s.post(t, "/api/v1/documents/emergency_plan?format=docx", acme).StatusCode)

	resp, err := http.Post(s.ts.URL+"/api/v1/documents/emergency_plan", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerateSection(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/api/v1/sections/1/1.2", acme)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[generator.Record](t, resp)
	assert.Equal(t, generator.OutcomeOK, rec.Outcome)
	assert.Equal(t, "本企业位于苏州工业园区。", rec.Text)

	rec = decode[generator.Record](t, s.post(t, "/api/v1/sections/7/7.1", acme))
	assert.Equal(t, generator.ErrorUnknownSection, rec.ErrorKind)
}

func TestCheck(t *testing.T) {
	s := newTestServer(t)

	resp := s.post(t, "/api/v1/check", CheckRequest{Sections: map[string]string{"1/1.2": "生产过程绝对安全。"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decode[compliance.Summary](t, resp)
	assert.False(t, sum.OverallPassed)
	assert.Equal(t, 1, sum.TotalIssues)
}

func TestCacheRoutes(t *testing.T) {
	s := newTestServer(t)

	s.post(t, "/api/v1/sections/1/1.2", acme)
	s.post(t, "/api/v1/sections/1/1.2", acme)
	assert.Equal(t, 1, s.mock.GetCallCount())

	stats := decode[cache.Stats](t, s.get(t, "/api/v1/cache/stats"))
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, s.ts.URL+"/api/v1/cache?prefix=1/1.2/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := decode[map[string]any](t, resp)
	assert.Equal(t, float64(1), out["removed"])
}

func TestReload(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.post(t, "/api/v1/templates/reload", nil).StatusCode)

	require.NoError(t, os.WriteFile(filepath.Join(s.lib, "ch01.yaml"), []byte("chapter: [oops"), 0o644))
	resp := s.post(t, "/api/v1/templates/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, resp)["error"], "ch01.yaml")
}

func TestUsage(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/v1/sections/1/1.2", acme)

	out := decode[map[string]quota.Usage](t, s.get(t, "/api/v1/usage/u1"))
	assert.Equal(t, 1, out["user"].Count)
	assert.Equal(t, 4, out["user"].Remaining)
	assert.Equal(t, 1, out["global"].Count)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/v1/sections/1/1.2", acme)

	resp := s.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "envdraft_")
}
