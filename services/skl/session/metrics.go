// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

var (
	// decisionsTotal counts per-proposal decisions.
	// Labels: status (approved, escalated, rfc), reason
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skl",
		Subsystem: "session",
		Name:      "decisions_total",
		Help:      "Total proposal decisions by status and reason",
	}, []string{"status", "reason"})

	// passesTotal counts finished review passes.
	// Labels: stop_reason
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skl",
		Subsystem: "session",
		Name:      "passes_total",
		Help:      "Total review passes by stop reason",
	}, []string{"stop_reason"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "skl",
		Subsystem: "session",
		Name:      "pass_duration_seconds",
		Help:      "Wall-clock duration of review passes",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	deferredProposals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skl",
		Subsystem: "session",
		Name:      "deferred_proposals",
		Help:      "Proposals deferred by the most recent pass",
	})

	breakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skl",
		Subsystem: "session",
		Name:      "circuit_breaker_trips_total",
		Help:      "Agents whose circuit breaker tripped",
	})
)

func recordDecision(status knowledge.ProposalStatus, reason string) {
	decisionsTotal.WithLabelValues(string(status), reason).Inc()
}

func recordPass(stopReason string, start time.Time, deferred int) {
	passesTotal.WithLabelValues(stopReason).Inc()
	passDuration.Observe(time.Since(start).Seconds())
	deferredProposals.Set(float64(deferred))
}
