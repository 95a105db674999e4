// Package model describes the generation parameters sent to the LLM provider.
// The same Config feeds the provider request body and the cache fingerprint,
// so every field that changes the output lives here.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Config is the enumerated generation configuration.
type Config struct {
	// Model is the provider-side model identifier.
	Model string `yaml:"model" json:"model"`

	// Temperature controls randomness (0..2).
	Temperature float64 `yaml:"temperature" json:"temperature"`

	// MaxTokens limits the response length. Must be positive.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// TopP is the nucleus sampling mass (0..1).
	TopP float64 `yaml:"top_p" json:"top_p"`

	FrequencyPenalty float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty" json:"presence_penalty"`

	// Stop sequences are optional.
	Stop []string `yaml:"stop,omitempty" json:"stop,omitempty"`
}

// DefaultConfig returns conservative drafting parameters.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   2048,
		TopP:        1,
	}
}

// ValidationError reports an out-of-range generation parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid generation config: %s %s", e.Field, e.Reason)
}

// Validate checks every parameter against the provider's accepted ranges.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Model) == "":
		return &ValidationError{Field: "model", Reason: "is required"}
	case c.Temperature < 0 || c.Temperature > 2:
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	case c.MaxTokens <= 0:
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	case c.TopP < 0 || c.TopP > 1:
		return &ValidationError{Field: "top_p", Reason: "must be between 0 and 1"}
	case c.FrequencyPenalty < -2 || c.FrequencyPenalty > 2:
		return &ValidationError{Field: "frequency_penalty", Reason: "must be between -2 and 2"}
	case c.PresencePenalty < -2 || c.PresencePenalty > 2:
		return &ValidationError{Field: "presence_penalty", Reason: "must be between -2 and 2"}
	}
	for i, s := range c.Stop {
		if s == "" {
			return &ValidationError{Field: fmt.Sprintf("stop[%d]", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// FingerprintFields returns the output-affecting subset in a fixed order,
// formatted so that equal configs always produce equal strings.
func (c Config) FingerprintFields() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	fields := []string{
		"model=" + c.Model,
		"temperature=" + f(c.Temperature),
		"max_tokens=" + strconv.Itoa(c.MaxTokens),
		"top_p=" + f(c.TopP),
		"frequency_penalty=" + f(c.FrequencyPenalty),
		"presence_penalty=" + f(c.PresencePenalty),
	}
	for _, s := range c.Stop {
		fields = append(fields, "stop="+strconv.Quote(s))
	}
	return fields
}
