// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// operationsTotal counts store operations.
// Labels: backend (file, badger), op, result (ok, not_found, invalid, guard, error)
var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skl",
	Subsystem: "store",
	Name:      "operations_total",
	Help:      "Total knowledge store operations by backend, operation and result",
}, []string{"backend", "op", "result"})

var operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "skl",
	Subsystem: "store",
	Name:      "operation_duration_seconds",
	Help:      "Knowledge store operation latency",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
}, []string{"backend", "op"})

func recordOperation(backend, op string, err error, d time.Duration) {
	operationsTotal.WithLabelValues(backend, op, result(err)).Inc()
	operationDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, knowledge.ErrNotFound):
		return "not_found"
	case errors.Is(err, knowledge.ErrValidation):
		return "invalid"
	case errors.Is(err, knowledge.ErrGuard):
		return "guard"
	default:
		return "error"
	}
}
