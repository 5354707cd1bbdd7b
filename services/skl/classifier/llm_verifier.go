// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/skl/services/llm"
)

const verifierPromptText = `You are reviewing a single-file source change for a multi-agent codebase.
Classify the change into exactly one of:
  mechanical     - formatting, renames, comments, import order; no behaviour change
  behavioral     - changes what the code does without changing the architecture
  architectural  - changes module boundaries, data flow, storage, auth or public contracts

File: {{.Path}}
{{- if .SemanticScope}}
Semantic scope: {{.SemanticScope}}
{{- end}}
{{- if .Responsibilities}}
Responsibilities: {{.Responsibilities}}
{{- end}}
{{- if .Dependencies}}
Dependencies: {{join .Dependencies ", "}}
{{- end}}
Diff summary: {{.Summary}}

Diff:
{{.Diff}}

Respond with one JSON object and nothing else:
{"classification": "mechanical|behavioral|architectural", "justification": "<one sentence>"}
`

var verifierPrompt = template.Must(template.New("verifier").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(verifierPromptText))

type promptData struct {
	FileContext
	Summary string
	Diff    string
}

// LLMVerifier implements Verifier over an llm.LLMClient.
//
// Description:
//
//	Builds a prompt that never contains the agent's classification,
//	coalesces identical concurrent requests, paces calls with a token
//	bucket and retries transient backend failures with exponential
//	backoff. Backend failures surface as ErrVerifierUnavailable and
//	unparseable answers as ErrMalformedResponse.
//
// Thread Safety: Safe for concurrent use.
type LLMVerifier struct {
	client  llm.LLMClient
	config  VerifierConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	inflight singleflight.Group
}

// NewLLMVerifier creates an LLMVerifier.
//
// Inputs:
//
//	client - The model transport. Must not be nil.
//	config - Verifier settings; validated here.
//	logger - Logger for retry notices; nil uses slog.Default().
//
// Outputs:
//
//	*LLMVerifier - Ready to use.
//	error - Non-nil if client is nil or config is invalid.
func NewLLMVerifier(client llm.LLMClient, config VerifierConfig, logger *slog.Logger) (*LLMVerifier, error) {
	if client == nil {
		return nil, errors.New("llm client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	return &LLMVerifier{
		client:  client,
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Classify implements Verifier.
func (v *LLMVerifier) Classify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	ctx, span := otel.Tracer("skl.classifier").Start(ctx, "classifier.LLMVerifier.Classify",
		trace.WithAttributes(
			attribute.String("path", req.FileContext.Path),
			attribute.Int("diff_bytes", len(req.Diff)),
		),
	)
	defer span.End()

	prompt, err := v.buildPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The shared call outlives any one caller; each caller stops waiting
	// on its own cancellation.
	ch := v.inflight.DoChan(requestKey(prompt), func() (any, error) {
		return v.generateWithRetry(context.WithoutCancel(ctx), prompt)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return nil, ctx.Err()
	case res = <-ch:
	}
	out, err := res.Val, res.Err
	span.SetAttributes(attribute.Bool("coalesced", res.Shared))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Per-attempt timeout rather than caller cancellation.
			return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
		}
		if errors.Is(err, ErrVerifierUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}

	text := out.(string)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrVerifierUnavailable)
	}
	return ParseVerifierResponse(text)
}

// generateWithRetry calls the backend, retrying transient failures.
func (v *LLMVerifier) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	temp := float32(v.config.Temperature)
	maxTokens := v.config.MaxTokens
	params := llm.GenerationParams{Temperature: &temp, MaxTokens: &maxTokens}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = v.config.RetryBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(v.config.MaxRetries)), ctx)

	var text string
	start := time.Now()
	op := func() error {
		if err := v.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, v.config.Timeout)
		defer cancel()

		out, err := v.client.Generate(attemptCtx, prompt, params)
		if err != nil {
			if ctx.Err() != nil || (!llm.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded)) {
				return backoff.Permanent(err)
			}
			return err
		}
		text = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		recordRetry()
		v.logger.Debug("verifier attempt failed, retrying", "error", err, "wait", wait)
	}

	err := backoff.RetryNotify(op, policy, notify)
	recordVerifierCall(start, err)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (v *LLMVerifier) buildPrompt(req VerifyRequest) (string, error) {
	diffText := req.Diff
	if n := v.config.MaxDiffBytes; len(diffText) > n {
		for n > 0 && !utf8.RuneStart(diffText[n]) {
			n--
		}
		diffText = diffText[:n] + "\n... (truncated)"
	}
	var buf bytes.Buffer
	err := verifierPrompt.Execute(&buf, promptData{
		FileContext: req.FileContext,
		Summary:     SummarizeDiff(req.Diff).String(),
		Diff:        diffText,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func requestKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// ParseVerifierResponse extracts the first JSON object from a model reply.
//
// Models often wrap JSON in prose or code fences; everything outside the
// outermost braces is ignored. Replies without a decodable object return
// ErrMalformedResponse. The classification value is returned as-is;
// vocabulary checks happen in the Classifier.
func ParseVerifierResponse(text string) (*VerifyResult, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}
	var out VerifyResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(out.Classification) == "" {
		return nil, fmt.Errorf("%w: missing classification", ErrMalformedResponse)
	}
	return &out, nil
}

var _ Verifier = (*LLMVerifier)(nil)
