// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Instruments are the OpenTelemetry instruments of the long-running
// watch process.
type Instruments struct {
	// StoreChanges counts record changes seen on disk, by kind.
	StoreChanges metric.Int64Counter

	// DigestsGenerated counts digests written, by trigger.
	DigestsGenerated metric.Int64Counter

	// PendingProposals is the queue's pending count at the last reload.
	PendingProposals metric.Int64Gauge
}

// NewInstruments creates the instruments on meter.
//
// Example:
//
//	inst, err := telemetry.NewInstruments(otel.Meter("skl.watch"))
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		inst Instruments
		err  error
	)
	inst.StoreChanges, err = meter.Int64Counter(
		"skl.watch.store_changes",
		metric.WithDescription("Record documents changed in the knowledge store"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create store_changes: %w", err)
	}
	inst.DigestsGenerated, err = meter.Int64Counter(
		"skl.watch.digests_generated",
		metric.WithDescription("Digests written by the watch loop"),
		metric.WithUnit("{digest}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create digests_generated: %w", err)
	}
	inst.PendingProposals, err = meter.Int64Gauge(
		"skl.watch.pending_proposals",
		metric.WithDescription("Pending proposals in the queue"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending_proposals: %w", err)
	}
	return &inst, nil
}
