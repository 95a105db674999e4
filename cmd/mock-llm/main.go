// Package main implements a mock LLM server for manual runs and integration
// tests. It serves OpenAI-compatible /v1/chat/completions responses from text
// fixture files, so a full document can be assembled offline and provider
// outages can be rehearsed on demand.
//
// Usage:
//
//	mock-llm -fixtures ./library/fixtures -port 11434
//
// Fixture files are plain text named by route key. A request is routed by the
// section title in the prompt's "## 任务：" line, then by the request's model,
// then to "default". So "企业概况.txt" answers the overview section and
// "default.txt" answers everything else.
//
// Sequential fixtures: numbered files ("企业概况.1.txt", "企业概况.2.txt")
// are returned in order for successive calls to the same key, then the base
// file repeats. This drives the compliance retry path: a first draft that
// fails the rules followed by a corrected one.
//
// Failure injection: -fail-every N answers every Nth call with -fail-status,
// -latency delays every answer, and POST /control changes both at runtime:
//
//	curl -XPOST localhost:11434/control -d '{"down":true,"status":503}'
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// defaultKey answers requests that match no other fixture.
const defaultKey = "default"

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Fault injection ---

// faults is the runtime-adjustable failure policy.
type faults struct {
	// Down answers every call with Status.
	Down bool `json:"down"`
	// FailEvery answers every Nth call with Status (0 disables).
	FailEvery int `json:"fail_every"`
	// Status is the HTTP status of injected failures.
	Status int `json:"status"`
	// Latency delays every response.
	Latency string `json:"latency,omitempty"`

	latency time.Duration
}

func (f *faults) normalize() error {
	if f.Status == 0 {
		f.Status = http.StatusServiceUnavailable
	}
	if f.Status < 400 || f.Status > 599 {
		return fmt.Errorf("status %d is not an error status", f.Status)
	}
	if f.FailEvery < 0 {
		return errors.New("fail_every must not be negative")
	}
	f.latency = 0
	if f.Latency != "" {
		d, err := time.ParseDuration(f.Latency)
		if err != nil {
			return fmt.Errorf("latency: %w", err)
		}
		f.latency = d
	}
	return nil
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Key       string        `json:"key"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-key call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // route key → ordered fixture contents
	calls    atomic.Int64        // total calls received
	failed   atomic.Int64        // calls answered with an injected failure
	logger   *slog.Logger

	faultsMu sync.RWMutex
	faults   faults

	// Per-key call counters for sequential fixture selection.
	keyCalls   map[string]*atomic.Int64
	keyCallsMu sync.Mutex

	requests   map[string][]capturedRequest
	requestsMu sync.Mutex
}

func newServer(fixtures map[string][]string, f faults, logger *slog.Logger) (*server, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures: fixtures,
		faults:   f,
		logger:   logger,
		keyCalls: make(map[string]*atomic.Int64),
		requests: make(map[string][]capturedRequest),
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	mux.HandleFunc("/control", s.handleControl)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture text files")
	port := flag.Int("port", 11434, "port to listen on")
	failEvery := flag.Int("fail-every", 0, "answer every Nth call with -fail-status (0 disables)")
	failStatus := flag.Int("fail-status", http.StatusServiceUnavailable, "HTTP status for injected failures")
	latency := flag.Duration("latency", 0, "delay added to every response")
	down := flag.Bool("down", false, "start with every call failing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded fixtures", "keys", len(fixtures), "dir", *fixtureDir)
	for key, seq := range fixtures {
		logger.Info("Fixture", "key", key, "count", len(seq))
	}

	s, err := newServer(fixtures, faults{
		Down:      *down,
		FailEvery: *failEvery,
		Status:    *failStatus,
		Latency:   latency.String(),
	}, logger)
	if err != nil {
		logger.Error("Invalid fault configuration", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	f := s.currentFaults()

	if f.latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(f.latency):
		}
	}

	if f.Down || (f.FailEvery > 0 && callNum%int64(f.FailEvery) == 0) {
		s.failed.Add(1)
		s.logger.Info("Injected failure", "call", callNum, "status", f.Status)
		writeJSON(w, f.Status, map[string]any{
			"error": map[string]string{"message": "injected failure", "type": "mock_error"},
		})
		return
	}

	key, seq, ok := s.resolve(req)
	if !ok {
		s.logger.Warn("No fixture for request", "call", callNum, "title", sectionTitle(req), "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for section %q or model %q", sectionTitle(req), req.Model), http.StatusNotFound)
		return
	}

	callIndex := int(s.counter(key).Add(1) - 1)
	s.capture(key, req, callIndex+1)

	content := seq[min(callIndex, len(seq)-1)]
	s.logger.Debug("Serving fixture",
		"call", callNum,
		"key", key,
		"index", callIndex+1,
		"of", len(seq))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptLength(req) / 2,
			CompletionTokens: len([]rune(content)) / 2,
			TotalTokens:      (promptLength(req) + len([]rune(content))) / 2,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolve picks the fixture sequence: section title, model, then default.
func (s *server) resolve(req chatRequest) (string, []string, bool) {
	for _, key := range []string{sectionTitle(req), req.Model, strings.TrimPrefix(req.Model, "mock-"), defaultKey} {
		if key == "" {
			continue
		}
		if seq, ok := s.fixtures[key]; ok {
			return key, seq, true
		}
	}
	return "", nil, false
}

// titleRe extracts the section title from the prompt's task line.
var titleRe = regexp.MustCompile(`(?m)^##\s*任务[：:]\s*(.+?)\s*$`)

func sectionTitle(req chatRequest) string {
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if match := titleRe.FindStringSubmatch(m.Content); match != nil {
			return match[1]
		}
	}
	return ""
}

func promptLength(req chatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len([]rune(m.Content))
	}
	return n
}

func (s *server) currentFaults() faults {
	s.faultsMu.RLock()
	defer s.faultsMu.RUnlock()
	return s.faults
}

func (s *server) counter(key string) *atomic.Int64 {
	s.keyCallsMu.Lock()
	defer s.keyCallsMu.Unlock()
	if c, ok := s.keyCalls[key]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.keyCalls[key] = c
	return c
}

func (s *server) capture(key string, req chatRequest, callIndex int) {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests[key] = append(s.requests[key], capturedRequest{
		Key:       key,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleModels lists one model per fixture key.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	keys := make([]string, 0, len(s.fixtures))
	for key := range s.fixtures {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	models := make([]modelEntry, 0, len(keys))
	for _, key := range keys {
		models = append(models, modelEntry{ID: key, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.keyCallsMu.Lock()
	byKey := make(map[string]int64, len(s.keyCalls))
	for key, c := range s.keyCalls {
		byKey[key] = c.Load()
	}
	s.keyCallsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":  s.calls.Load(),
		"failed_calls": s.failed.Load(),
		"calls_by_key": byKey,
	})
}

// handleRequests returns captured requests.
// Query params:
//   - key: filter by route key (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	keyFilter := r.URL.Query().Get("key")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.requestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for key, reqs := range s.requests {
		if keyFilter != "" && key != keyFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter == 0 || req.CallIndex == callFilter {
				result[key] = append(result[key], req)
			}
		}
	}
	s.requestsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"requests_by_key": result})
}

// handleControl reads (GET) or replaces (POST) the fault policy.
func (s *server) handleControl(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.currentFaults())
	case http.MethodPost:
		var f faults
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if err := f.normalize(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.faultsMu.Lock()
		s.faults = f
		s.faultsMu.Unlock()
		s.logger.Info("Fault policy updated", "down", f.Down, "fail_every", f.FailEvery, "status", f.Status, "latency", f.latency)
		writeJSON(w, http.StatusOK, f)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// numberedFileRe matches files like "企业概况.1.txt" or "default.2.md".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(txt|md)$`)

// loadFixtures reads text fixtures from dir and returns key → content sequence.
// For each key the numbered files come first in numeric order and the base
// file is appended as the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		ext := filepath.Ext(name)
		if info.IsDir() || (ext != ".txt" && ext != ".md") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			return fmt.Errorf("empty fixture %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[m[1]] == nil {
				numberedFiles[m[1]] = make(map[int]string)
			}
			numberedFiles[m[1]][index] = content
			return nil
		}

		baseFiles[strings.TrimSuffix(name, ext)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for key, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[key] = append(fixtures[key], numbered[idx])
		}
	}
	for key, content := range baseFiles {
		fixtures[key] = append(fixtures[key], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
