// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conflict

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// detectionsTotal counts Detect results.
// Labels: kind (none, contested_target, assumption_conflict)
var detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skl",
	Subsystem: "conflict",
	Name:      "detections_total",
	Help:      "Total conflict checks by result kind",
}, []string{"kind"})

func recordDetection(kind Kind) {
	detectionsTotal.WithLabelValues(string(kind)).Inc()
}
