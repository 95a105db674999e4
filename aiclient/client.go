// Package aiclient is the single entry point from the generation core to the
// LLM provider. It applies the daily quota, calls the provider, and turns
// every failure it can absorb into a clearly labelled degraded stub.
package aiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/metrics"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/prompt"
	"github.com/c360studio/envdraft/quota"
)

// DefaultMarkerTemplate renders degraded-mode stubs. It always names the
// section and never reads like authored prose.
const DefaultMarkerTemplate = "【待补充】本节“{{.Title}}”未能自动生成（{{.Reason}}）" +
	"{{if .Enterprise}}，适用单位：{{.Enterprise}}{{end}}。请人工编写或稍后重新生成。"

// ErrQuotaDenied is returned alongside a degraded result when the daily
// quota refused the call.
var ErrQuotaDenied = errors.New("quota denied")

// ProviderPermanentError is returned alongside a degraded result when the
// provider rejected the request and retrying cannot help.
type ProviderPermanentError struct {
	StatusCode int
	Err        error
}

func (e *ProviderPermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider rejected request (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider rejected request: %v", e.Err)
}

func (e *ProviderPermanentError) Unwrap() error { return e.Err }

// Reason explains why a result is degraded.
type Reason string

const (
	ReasonQuotaDenied         Reason = "quota_denied"
	ReasonProviderUnavailable Reason = "provider_unavailable"
	ReasonProviderPermanent   Reason = "provider_permanent"
	ReasonEmptyResponse       Reason = "empty_response"
	ReasonUnknownSection      Reason = "unknown_section"
	ReasonInvalidInput        Reason = "invalid_input"
)

var reasonText = map[Reason]string{
	ReasonQuotaDenied:         "今日生成额度已用完，已使用占位文本",
	ReasonProviderUnavailable: "模型服务暂不可用",
	ReasonProviderPermanent:   "模型服务拒绝了请求",
	ReasonEmptyResponse:       "模型未返回内容",
	ReasonUnknownSection:      "模板库中没有该章节",
	ReasonInvalidInput:        "企业数据格式不正确",
}

// Result is the outcome of one Generate call.
type Result struct {
	Text string `json:"text"`

	// Degraded is set when Text is a stub rather than provider output.
	Degraded bool   `json:"degraded"`
	Reason   Reason `json:"reason,omitempty"`

	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Attempts is the number of HTTP attempts made against the provider.
	Attempts int `json:"attempts"`
}

// Client is safe for concurrent use.
type Client struct {
	completer llm.Completer
	quota     *quota.Tracker
	marker    *texttemplate.Template
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMarkerTemplate sets the degraded-mode stub template. The template sees
// .Title, .Enterprise, .Reason and .Section.
func WithMarkerTemplate(t *texttemplate.Template) Option {
	return func(c *Client) {
		if t != nil {
			c.marker = t
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// ParseMarkerTemplate parses a degraded-mode stub template.
func ParseMarkerTemplate(text string) (*texttemplate.Template, error) {
	return texttemplate.New("degraded").Option("missingkey=zero").Parse(text)
}

// New creates a client. A nil tracker disables quota enforcement.
func New(completer llm.Completer, tracker *quota.Tracker, opts ...Option) *Client {
	c := &Client{
		completer: completer,
		quota:     tracker,
		marker:    texttemplate.Must(ParseMarkerTemplate(DefaultMarkerTemplate)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends p to the provider on behalf of userID.
//
// It returns a nil result only for an invalid cfg. Quota refusal returns a
// degraded result with an error matching ErrQuotaDenied; a permanent
// provider rejection returns a degraded result with a
// *ProviderPermanentError. Transient failures, timeouts and an open circuit
// return a degraded result and a nil error. Only non-degraded results are
// charged to the quota.
func (c *Client) Generate(ctx context.Context, p *prompt.Prompt, cfg model.Config, userID string) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var reservation *quota.Reservation
	if c.quota != nil {
		r, err := c.quota.Reserve(userID)
		if err != nil {
			scope := "user"
			if errors.Is(err, quota.ErrGlobalLimit) {
				scope = "global"
			}
			c.metrics.QuotaDenied(scope)
			c.logger.Info("Quota denied, using degraded text",
				"section", p.Section.String(),
				"user_id", userID,
				"scope", scope)
			return c.degraded(p, ReasonQuotaDenied, 0), fmt.Errorf("%w: %w", ErrQuotaDenied, err)
		}
		reservation = r
	}

	start := time.Now()
	resp, err := c.completer.Complete(ctx, llm.Request{Messages: messages(p), Params: cfg})
	elapsed := time.Since(start)

	if err != nil {
		reservation.Release()

		var fe *llm.FatalError
		if errors.As(err, &fe) {
			c.metrics.ProviderCall("fatal", elapsed)
			c.logger.Warn("Provider rejected request, using degraded text",
				"section", p.Section.String(),
				"error", err)
			return c.degraded(p, ReasonProviderPermanent, 1),
				&ProviderPermanentError{StatusCode: fe.StatusCode, Err: err}
		}

		c.metrics.ProviderCall("unavailable", elapsed)
		c.logger.Warn("Provider unavailable, using degraded text",
			"section", p.Section.String(),
			"elapsed", elapsed,
			"error", err)
		return c.degraded(p, ReasonProviderUnavailable, 0), nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		reservation.Release()
		c.metrics.ProviderCall("empty", elapsed)
		c.logger.Warn("Provider returned empty content, using degraded text",
			"section", p.Section.String(),
			"request_id", resp.RequestID)
		res := c.degraded(p, ReasonEmptyResponse, resp.Attempts)
		res.RequestID = resp.RequestID
		return res, nil
	}

	reservation.Commit()
	c.metrics.ProviderCall("ok", elapsed)
	c.logger.Debug("Provider call succeeded",
		"section", p.Section.String(),
		"request_id", resp.RequestID,
		"model", resp.Model,
		"attempts", resp.Attempts,
		"elapsed", elapsed)

	return &Result{
		Text:      text,
		Model:     resp.Model,
		RequestID: resp.RequestID,
		Attempts:  resp.Attempts,
	}, nil
}

// Stub renders the degraded-mode text for p without calling anything.
func (c *Client) Stub(p *prompt.Prompt, reason Reason) string {
	data := struct {
		Title      string
		Enterprise string
		Reason     string
		Section    string
	}{
		Title:      p.Title,
		Enterprise: p.EnterpriseName,
		Reason:     reasonText[reason],
		Section:    p.Section.String(),
	}
	if data.Reason == "" {
		data.Reason = string(reason)
	}

	var buf bytes.Buffer
	if err := c.marker.Execute(&buf, data); err != nil || strings.TrimSpace(buf.String()) == "" {
		return fmt.Sprintf("【待补充】本节“%s”未能自动生成（%s）。", data.Title, data.Reason)
	}
	return buf.String()
}

func (c *Client) degraded(p *prompt.Prompt, reason Reason, attempts int) *Result {
	return &Result{
		Text:     c.Stub(p, reason),
		Degraded: true,
		Reason:   reason,
		Attempts: attempts,
	}
}

func messages(p *prompt.Prompt) []llm.Message {
	var msgs []llm.Message
	if p.System != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: p.System})
	}
	return append(msgs, llm.Message{Role: "user", Content: p.User})
}
