package model

import (
	"errors"
	"reflect"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{name: "valid", modify: func(c *Config) {}},
		{name: "missing model", modify: func(c *Config) { c.Model = " " }, wantField: "model"},
		{name: "temperature too high", modify: func(c *Config) { c.Temperature = 2.1 }, wantField: "temperature"},
		{name: "temperature negative", modify: func(c *Config) { c.Temperature = -0.1 }, wantField: "temperature"},
		{name: "temperature at upper bound", modify: func(c *Config) { c.Temperature = 2 }},
		{name: "zero max tokens", modify: func(c *Config) { c.MaxTokens = 0 }, wantField: "max_tokens"},
		{name: "top_p above one", modify: func(c *Config) { c.TopP = 1.5 }, wantField: "top_p"},
		{name: "penalty out of range", modify: func(c *Config) { c.PresencePenalty = 3 }, wantField: "presence_penalty"},
		{name: "empty stop", modify: func(c *Config) { c.Stop = []string{"END", ""} }, wantField: "stop[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestFingerprintFields(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	if !reflect.DeepEqual(a.FingerprintFields(), b.FingerprintFields()) {
		t.Fatal("equal configs produced different fingerprint fields")
	}

	b.Temperature = 0.31
	if reflect.DeepEqual(a.FingerprintFields(), b.FingerprintFields()) {
		t.Fatal("temperature change not reflected in fingerprint fields")
	}
}
