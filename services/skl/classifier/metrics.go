// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// =============================================================================
// Prometheus Metrics for Classification
// =============================================================================

var (
	// classificationsTotal counts resolved classifications.
	// Labels: stage (stage1, stage2), resolved (mechanical, behavioral, architectural)
	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skl",
		Subsystem: "classifier",
		Name:      "classifications_total",
		Help:      "Total proposals classified by deciding stage and resolved type",
	}, []string{"stage", "resolved"})

	// fallbacksTotal counts verifier degradations.
	// Labels: reason (unavailable, malformed)
	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skl",
		Subsystem: "classifier",
		Name:      "verifier_fallbacks_total",
		Help:      "Total verifier fallbacks by reason",
	}, []string{"reason"})

	// verifierLatency measures backend round trips including retries.
	// Labels: status (ok, error)
	verifierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skl",
		Subsystem: "classifier",
		Name:      "verifier_latency_seconds",
		Help:      "Verifier call latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
	}, []string{"status"})

	// verifierRetries counts retried verifier attempts.
	verifierRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skl",
		Subsystem: "classifier",
		Name:      "verifier_retries_total",
		Help:      "Total verifier attempts that were retried",
	})
)

func recordClassification(stage string, resolved knowledge.ChangeType) {
	classificationsTotal.WithLabelValues(stage, string(resolved)).Inc()
}

func recordFallback(reason string) {
	fallbacksTotal.WithLabelValues(reason).Inc()
}

func recordVerifierCall(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	verifierLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func recordRetry() {
	verifierRetries.Inc()
}
