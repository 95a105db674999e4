package llm

import (
	"sync"
	"time"
)

// EndpointHealth is a snapshot of the provider endpoint's health.
type EndpointHealth struct {
	// Available indicates if the endpoint is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed request.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failed calls.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failed calls before the
	// circuit opens. Zero disables the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a probe call
	// is let through.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker tracks consecutive call failures against the endpoint. While open,
// calls fail fast so an outage degrades sections immediately instead of
// paying the full timeout and retry budget for each one.
type Breaker struct {
	mu     sync.Mutex
	config HealthConfig
	status EndpointHealth
	now    func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg HealthConfig) *Breaker {
	return &Breaker{
		config: cfg,
		status: EndpointHealth{Available: true},
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. After the recovery timeout one
// probe is let through per timeout window (half-open).
func (b *Breaker) Allow() bool {
	if b == nil || b.config.FailureThreshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.status.CircuitOpen {
		return true
	}
	if b.now().Sub(b.status.CircuitOpenedAt) >= b.config.RecoveryTimeout {
		b.status.CircuitOpenedAt = b.now()
		return true
	}
	return false
}

// MarkSuccess records a successful call and closes the circuit.
func (b *Breaker) MarkSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status.LastSuccess = b.now()
	b.status.FailureCount = 0
	b.status.Available = true
	b.status.CircuitOpen = false
}

// MarkFailure records a call that exhausted its retries.
func (b *Breaker) MarkFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status.LastFailure = b.now()
	b.status.FailureCount++

	if b.config.FailureThreshold > 0 && b.status.FailureCount >= b.config.FailureThreshold {
		if !b.status.CircuitOpen {
			b.status.CircuitOpenedAt = b.now()
		}
		b.status.CircuitOpen = true
		b.status.Available = false
	}
}

// Health returns a copy of the current status.
func (b *Breaker) Health() EndpointHealth {
	if b == nil {
		return EndpointHealth{Available: true}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}
