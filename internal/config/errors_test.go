package config

import (
	"errors"
	"testing"
)

func TestValidateWrapsErrInvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Network = "mainnnet" // typo

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected errors.Is(err, ErrInvalidConfig), got %v", err)
	}
}
