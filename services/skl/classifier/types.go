// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrVerifierUnavailable means no verifier could answer (no model, no
	// network, empty result set). Recovered by trusting the agent.
	ErrVerifierUnavailable = errors.New("verifier unavailable")

	// ErrMalformedResponse means the verifier answered but the answer could
	// not be parsed. Recovered by assuming behavioral.
	ErrMalformedResponse = errors.New("malformed verifier response")
)

// =============================================================================
// Verifier capability
// =============================================================================

// FileContext is what the verifier may see about the target file besides
// the diff. It deliberately has no field for the agent's classification.
type FileContext struct {
	Path              string   `json:"path"`
	SemanticScope     string   `json:"semantic_scope,omitempty"`
	Responsibilities  string   `json:"responsibilities,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	InvariantsTouched []string `json:"invariants_touched,omitempty"`
}

// VerifyRequest is the input to Verifier.Classify.
type VerifyRequest struct {
	Diff        string
	FileContext FileContext
}

// VerifyResult is a verifier's raw answer. Classification is a string so
// that out-of-vocabulary answers can be detected and treated as malformed.
type VerifyResult struct {
	Classification string `json:"classification"`
	Justification  string `json:"justification"`
}

// Verifier independently classifies a diff.
//
// Implementations return ErrVerifierUnavailable (or a nil/empty result)
// when no model can answer and ErrMalformedResponse when an answer cannot
// be parsed. Any other non-context error is treated as unavailable.
type Verifier interface {
	Classify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, req VerifyRequest) (*VerifyResult, error)

// Classify implements Verifier.
func (f VerifierFunc) Classify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	return f(ctx, req)
}

// =============================================================================
// Results
// =============================================================================

// Stage1Result is the outcome of the deterministic override rules.
type Stage1Result struct {
	Resolved knowledge.ChangeType
	Override bool
	Reason   string
	Rule     int
}

// Result is the full classification of one proposal.
type Result struct {
	// Verification is ready to be stored on the proposal.
	Verification knowledge.ClassificationVerification

	// Resolved is the final change type.
	Resolved knowledge.ChangeType

	// Disagreement is true only when a working verifier disagreed with the
	// agent. Only this feeds the agent's circuit breaker.
	Disagreement bool

	// Uncertain is true when the outcome relied on a fallback or a
	// disagreement.
	Uncertain bool
}

// =============================================================================
// Configuration
// =============================================================================

// VerifierConfig configures the LLM-backed verifier.
type VerifierConfig struct {
	// Temperature for classification (0.0 = deterministic). Must be in [0, 1].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens limits response length. Must be > 0.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds each attempt. Must be > 0.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial backoff interval.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RatePerSecond caps calls to the backend. 0 disables pacing.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// MaxDiffBytes truncates the diff embedded in the prompt.
	MaxDiffBytes int `yaml:"max_diff_bytes"`
}

// Validate reports every out-of-range field.
func (c VerifierConfig) Validate() error {
	var errs []string
	if c.Temperature < 0 || c.Temperature > 1 {
		errs = append(errs, "Temperature must be between 0.0 and 1.0")
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, "MaxTokens must be positive")
	}
	if c.Timeout <= 0 {
		errs = append(errs, "Timeout must be positive")
	}
	if c.MaxRetries < 0 {
		errs = append(errs, "MaxRetries must be non-negative")
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, "RetryBackoff must be non-negative")
	}
	if c.RatePerSecond < 0 {
		errs = append(errs, "RatePerSecond must be non-negative")
	}
	if c.MaxDiffBytes <= 0 {
		errs = append(errs, "MaxDiffBytes must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid verifier config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DefaultVerifierConfig returns production defaults: near-deterministic
// sampling, 20s per attempt, two retries, two calls per second.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		Temperature:   0.1,
		MaxTokens:     256,
		Timeout:       20 * time.Second,
		MaxRetries:    2,
		RetryBackoff:  250 * time.Millisecond,
		RatePerSecond: 2,
		MaxDiffBytes:  16 * 1024,
	}
}
