// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOllamaClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewOllamaClient(Config{BaseURL: server.URL + "/", Model: "test-model"})
	require.NoError(t, err)
	return client
}

func TestOllamaClient_Generate(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		fmt.Fprint(w, `{"model":"test-model","response":"{\"classification\":\"mechanical\"}","done":true}`)
	})

	out, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, `{"classification":"mechanical"}`, out)
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'test-model' not found"}`)
	})

	_, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoModel))
	assert.False(t, IsRetryable(err))
}

func TestOllamaClient_ServerErrorIsRetryable(t *testing.T) {
	client := newTestOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "loading")
	})

	_, err := client.Generate(context.Background(), "prompt", GenerationParams{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, IsRetryable(err))
}

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	_, err := NewOllamaClient(Config{})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(&StatusError{Code: 400}))
	assert.True(t, IsRetryable(&StatusError{Code: 429}))
	assert.True(t, IsRetryable(errors.New("connection refused")))
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New("carrier-pigeon", Config{})
	assert.Error(t, err)
}
