// Package llm provides the HTTP client for the configured LLM provider, with
// per-attempt timeouts, retry with jittered back-off, and a circuit breaker.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/envdraft/model"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// DefaultTimeout is the per-attempt wall-clock limit.
const DefaultTimeout = 60 * time.Second

// Auth describes how the credential is attached to requests. The credential
// itself is read from the environment variable named by APIKeyEnv on every
// request, so rotating it needs no restart.
type Auth struct {
	// Header is the header name, "Authorization" when empty.
	Header string `yaml:"header" json:"header"`

	// Scheme prefixes the credential (e.g. "Bearer"). Empty sends the bare key.
	Scheme string `yaml:"scheme" json:"scheme"`

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

func (a Auth) apply(req *http.Request) {
	if a.APIKeyEnv == "" {
		return
	}
	key := os.Getenv(a.APIKeyEnv)
	if key == "" {
		return
	}
	header := a.Header
	if header == "" {
		header = "Authorization"
	}
	if a.Scheme != "" {
		key = a.Scheme + " " + key
	}
	req.Header.Set(header, key)
}

// Endpoint is the single configured provider endpoint.
type Endpoint struct {
	// Provider selects the wire format ("openai", "ollama", "anthropic").
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL; empty uses the provider default.
	URL string `yaml:"url" json:"url"`

	Auth Auth `yaml:"auth" json:"auth"`
}

// Completer is implemented by Client and by test doubles.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Params are the generation parameters, sent verbatim to the provider.
	Params model.Config
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this LLM call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Attempts is the number of HTTP attempts made, including the successful one.
	Attempts int
}

// Client is the LLM client for one endpoint. It is safe for concurrent use.
type Client struct {
	endpoint    Endpoint
	httpClient  *http.Client
	retryConfig RetryConfig
	timeout     time.Duration
	breaker     *Breaker
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.timeout = d
		}
	}
}

// WithBreaker sets the circuit breaker. A nil breaker disables it.
func WithBreaker(b *Breaker) ClientOption {
	return func(client *Client) {
		client.breaker = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for ep.
func NewClient(ep Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:    ep,
		retryConfig: DefaultRetryConfig(),
		timeout:     DefaultTimeout,
		httpClient:  &http.Client{},
		breaker:     NewBreaker(DefaultHealthConfig()),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.retryConfig.MaxAttempts < 1 {
		c.retryConfig.MaxAttempts = 1
	}

	return c
}

// Health returns the endpoint's circuit breaker status.
func (c *Client) Health() EndpointHealth {
	return c.breaker.Health()
}

// Complete sends a completion request with retry. Errors are classified:
// IsFatal for permanent provider rejections, IsTransient for everything that
// exhausted its retries or hit an open circuit. A cancelled ctx returns
// ctx.Err().
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	requestID := uuid.New().String()

	if !c.breaker.Allow() {
		c.logger.Debug("LLM endpoint circuit open, failing fast",
			"request_id", requestID,
			"provider", c.endpoint.Provider)
		return nil, NewTransientError(ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doAttempt(ctx, req)
		if err == nil {
			c.breaker.MarkSuccess()
			resp.RequestID = requestID
			resp.Attempts = attempt
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err

		// Fatal errors indicate a config or request problem, not endpoint
		// health, so they do not count against the breaker.
		if IsFatal(err) {
			c.logger.Warn("LLM request rejected",
				"request_id", requestID,
				"provider", c.endpoint.Provider,
				"error", err)
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"request_id", requestID,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.breaker.MarkFailure()
	return nil, fmt.Errorf("llm request %s failed after %d attempts: %w",
		requestID, c.retryConfig.MaxAttempts, lastErr)
}

// doAttempt runs one HTTP attempt under the per-attempt timeout.
func (c *Client) doAttempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doRequest(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, NewTransientError(fmt.Errorf("attempt timed out after %s: %w", c.timeout, context.DeadlineExceeded))
	}
	return resp, err
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	url := provider.BuildURL(c.endpoint.URL)

	body, err := provider.BuildRequestBody(req.Messages, req.Params)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", c.endpoint.Provider,
		"model", req.Params.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)
	c.endpoint.Auth.apply(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody)
	if err != nil {
		// A malformed body from a 200 is a provider hiccup, not a request bug.
		return nil, NewTransientError(err)
	}
	return resp, nil
}
