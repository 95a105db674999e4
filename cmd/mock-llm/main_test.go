package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "企业概况.txt", "本企业位于苏州工业园区。")
	writeFixture(t, dir, "default.md", "默认段落。")
	writeFixture(t, dir, "notes.json", `{"ignored":true}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(fixtures))
	}
	for key, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("key %q: expected 1 fixture, got %d", key, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	// A draft that breaks the rules, then a corrected one.
	writeFixture(t, dir, "企业概况.2.txt", "本企业已落实风险防控措施。")
	writeFixture(t, dir, "企业概况.1.txt", "本企业生产过程绝对安全。")
	writeFixture(t, dir, "企业概况.txt", "兜底段落。")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["企业概况"]
	if len(seq) != 3 {
		t.Fatalf("expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "绝对安全") {
		t.Errorf("fixture[0] should be the first draft, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], "风险防控") {
		t.Errorf("fixture[1] should be the corrected draft, got: %s", seq[1])
	}
	if seq[2] != "兜底段落。" {
		t.Errorf("fixture[2] should be the base file, got: %s", seq[2])
	}
}

func TestLoadFixtures_Errors(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}

	dir := t.TempDir()
	writeFixture(t, dir, "blank.txt", "  \n")
	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for blank fixture")
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		name  string
		match bool
		key   string
		index string
	}{
		{"企业概况.1.txt", true, "企业概况", "1"},
		{"default.12.md", true, "default", "12"},
		{"企业概况.txt", false, "", ""},
		{"企业概况.1.json", false, "", ""},
		{"v1.2.txt", true, "v1", "2"},
	}
	for _, tt := range tests {
		m := numberedFileRe.FindStringSubmatch(tt.name)
		if (m != nil) != tt.match {
			t.Errorf("%s: match = %v, want %v", tt.name, m != nil, tt.match)
			continue
		}
		if m != nil && (m[1] != tt.key || m[2] != tt.index) {
			t.Errorf("%s: got key=%q index=%q, want key=%q index=%q", tt.name, m[1], m[2], tt.key, tt.index)
		}
	}
}

func TestRouting(t *testing.T) {
	s := newTestMock(t, map[string][]string{
		"企业概况":         {"概况段落。"},
		"qwen2.5:14b":  {"模型段落。"},
		"default":      {"默认段落。"},
		"special-tune": {"前缀段落。"},
	}, faults{})

	tests := []struct {
		name  string
		model string
		user  string
		want  string
	}{
		{"section title", "qwen2.5:14b", "## 任务：企业概况\n\n介绍企业", "概况段落。"},
		{"model fallback", "qwen2.5:14b", "## 任务：周边环境\n\n介绍周边", "模型段落。"},
		{"mock prefix stripped", "mock-special-tune", "no task line", "前缀段落。"},
		{"default", "other", `{"template":"x"}`, "默认段落。"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, content := doCompletion(t, s, tt.model, tt.user)
			if status != http.StatusOK {
				t.Fatalf("status = %d", status)
			}
			if content != tt.want {
				t.Errorf("content = %q, want %q", content, tt.want)
			}
		})
	}
}

func TestRouting_NoFixture(t *testing.T) {
	s := newTestMock(t, map[string][]string{"企业概况": {"概况段落。"}}, faults{})

	status, _ := doCompletion(t, s, "qwen2.5:14b", "## 任务：周边环境")
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newTestMock(t, map[string][]string{
		"企业概况": {"第一稿。", "第二稿。", "兜底。"},
	}, faults{})

	want := []string{"第一稿。", "第二稿。", "兜底。", "兜底。"}
	for i, w := range want {
		_, got := doCompletion(t, s, "m", "## 任务：企业概况")
		if got != w {
			t.Errorf("call %d: got %q, want %q", i+1, got, w)
		}
	}
}

func TestFailEvery(t *testing.T) {
	s := newTestMock(t, map[string][]string{"default": {"段落。"}}, faults{FailEvery: 2, Status: http.StatusTooManyRequests})

	var statuses []int
	for range 4 {
		status, _ := doCompletion(t, s, "m", "x")
		statuses = append(statuses, status)
	}
	want := []int{200, 429, 200, 429}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("call %d: status = %d, want %d", i+1, statuses[i], want[i])
		}
	}
	if got := s.failed.Load(); got != 2 {
		t.Errorf("failed = %d, want 2", got)
	}
}

func TestControlEndpoint(t *testing.T) {
	s := newTestMock(t, map[string][]string{"default": {"段落。"}}, faults{})
	handler := s.routes()

	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/control", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := post(`{"down":true}`); code != http.StatusOK {
		t.Fatalf("control status = %d", code)
	}
	if status, _ := doCompletion(t, s, "m", "x"); status != http.StatusServiceUnavailable {
		t.Errorf("down: status = %d, want 503", status)
	}

	if code := post(`{"down":false}`); code != http.StatusOK {
		t.Fatalf("control status = %d", code)
	}
	if status, _ := doCompletion(t, s, "m", "x"); status != http.StatusOK {
		t.Errorf("up: status = %d, want 200", status)
	}

	for _, bad := range []string{`{"status":200}`, `{"latency":"soon"}`, `{"fail_every":-1}`, `{`} {
		if code := post(bad); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", bad, code)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestMock(t, map[string][]string{
		"企业概况":    {"a"},
		"default": {"b"},
	}, faults{})

	doCompletion(t, s, "m", "## 任务：企业概况")
	doCompletion(t, s, "m", "## 任务：企业概况")
	doCompletion(t, s, "m", "other")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	var stats struct {
		TotalCalls int64            `json:"total_calls"`
		ByKey      map[string]int64 `json:"calls_by_key"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 3 {
		t.Errorf("total_calls = %d, want 3", stats.TotalCalls)
	}
	if stats.ByKey["企业概况"] != 2 || stats.ByKey["default"] != 1 {
		t.Errorf("calls_by_key = %v", stats.ByKey)
	}
}

func TestCapturedRequests(t *testing.T) {
	s := newTestMock(t, map[string][]string{"企业概况": {"a"}}, faults{})
	doCompletion(t, s, "qwen", "## 任务：企业概况\n\n企业名称：苏州某化工有限公司")

	req := httptest.NewRequest(http.MethodGet, "/requests?key=企业概况&call=1", nil)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	var out struct {
		ByKey map[string][]capturedRequest `json:"requests_by_key"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	reqs := out.ByKey["企业概况"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 captured request, got %d", len(reqs))
	}
	if reqs[0].Model != "qwen" || !strings.Contains(reqs[0].Messages[0].Content, "苏州某化工有限公司") {
		t.Errorf("unexpected capture: %+v", reqs[0])
	}
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func newTestMock(t *testing.T, fixtures map[string][]string, f faults) *server {
	t.Helper()
	s, err := newServer(fixtures, f, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return s
}

// doCompletion posts a single user message and returns the status and the
// assistant content.
func doCompletion(t *testing.T, s *server, model, user string) (int, string) {
	t.Helper()
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		return w.Code, ""
	}
	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatal("no choices in response")
	}
	return w.Code, resp.Choices[0].Message.Content
}
