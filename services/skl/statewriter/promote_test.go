// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statewriter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/knowledge/knowledgetest"
)

type memDecisions struct {
	adrs     []knowledge.ADR
	rfcs     map[string]knowledge.RFC
	writeErr error
	rfcErr   error
}

func (m *memDecisions) ListADRs(ctx context.Context) ([]knowledge.ADR, error) {
	return append([]knowledge.ADR(nil), m.adrs...), nil
}

func (m *memDecisions) WriteADR(ctx context.Context, adr knowledge.ADR) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.adrs = append(m.adrs, adr)
	return nil
}

func (m *memDecisions) WriteRFC(ctx context.Context, rfc knowledge.RFC) error {
	if m.rfcErr != nil {
		return m.rfcErr
	}
	if m.rfcs == nil {
		m.rfcs = map[string]knowledge.RFC{}
	}
	m.rfcs[rfc.ID] = rfc
	return nil
}

func selectedRFC() knowledge.RFC {
	r := knowledgetest.RFC("RFC_001", "p1")
	r.HumanSelection = "A"
	return r
}

func TestPromoteRFCToADR(t *testing.T) {
	store := &memDecisions{}
	k := knowledgetest.Model()
	k.Queue = append(k.Queue, knowledgetest.Proposal("p1", "agent-a", "app/db.py", knowledge.ChangeArchitectural))
	rfc := selectedRFC()
	before := rfc.Clone()

	adr, resolved, err := New().PromoteRFCToADR(context.Background(), rfc, "keeps the schema simple", k, store)
	require.NoError(t, err)

	assert.Equal(t, "ADR_001", adr.ID)
	assert.Equal(t, "RFC_001", adr.PromotingRFCID)
	assert.Contains(t, adr.Decision, "Accept the change")
	assert.Contains(t, adr.Decision, "keeps the schema simple")
	assert.Contains(t, adr.Context, "Triggered by p1 (agent-a) on app/db.py.")
	require.NoError(t, knowledge.Validate(adr))

	assert.Equal(t, knowledge.RFCResolved, resolved.Status)
	assert.Equal(t, "ADR_001", resolved.PromotedToADR)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, resolved, store.rfcs["RFC_001"])
	assert.Equal(t, before, rfc, "input RFC must not change")
}

func TestPromoteRFCToADR_NextID(t *testing.T) {
	store := &memDecisions{adrs: []knowledge.ADR{{ID: "ADR_001"}, {ID: "ADR_002"}}}
	adr, _, err := New().PromoteRFCToADR(context.Background(), selectedRFC(), "ok", nil, store)
	require.NoError(t, err)
	assert.Equal(t, "ADR_003", adr.ID)
}

func TestPromoteRFCToADR_Collision(t *testing.T) {
	// One ADR on disk but numbered 2: count+1 collides.
	store := &memDecisions{adrs: []knowledge.ADR{{ID: "ADR_002"}}}
	_, _, err := New().PromoteRFCToADR(context.Background(), selectedRFC(), "ok", nil, store)
	assert.ErrorIs(t, err, knowledge.ErrGuard)
	assert.Len(t, store.adrs, 1)
	assert.Empty(t, store.rfcs)
}

func TestPromoteRFCToADR_Guards(t *testing.T) {
	tests := []struct {
		name      string
		mod       func(r *knowledge.RFC)
		rationale string
	}{
		{"blank rationale", func(r *knowledge.RFC) {}, "  "},
		{"no selection", func(r *knowledge.RFC) { r.HumanSelection = "" }, "ok"},
		{"unknown selection", func(r *knowledge.RFC) { r.HumanSelection = "Z" }, "ok"},
		{"already promoted", func(r *knowledge.RFC) { r.PromotedToADR = "ADR_009" }, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := selectedRFC()
			tt.mod(&r)
			_, _, err := New().PromoteRFCToADR(context.Background(), r, tt.rationale, nil, &memDecisions{})
			assert.ErrorIs(t, err, knowledge.ErrGuard)
		})
	}
}

func TestPromoteRFCToADR_TitleTruncated(t *testing.T) {
	r := selectedRFC()
	r.DecisionRequired = strings.Repeat("é", 150)
	adr, _, err := New().PromoteRFCToADR(context.Background(), r, "ok", nil, &memDecisions{})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", MaxADRTitle), adr.Title)
}

func TestPromoteRFCToADR_StoreError(t *testing.T) {
	boom := errors.New("disk full")
	store := &memDecisions{writeErr: boom}
	_, _, err := New().PromoteRFCToADR(context.Background(), selectedRFC(), "ok", nil, store)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.rfcs, "rfc is not resolved when the adr write fails")
}

func TestPromoteRFCToADR_RetryAfterRFCWriteFails(t *testing.T) {
	boom := errors.New("disk full")
	store := &memDecisions{rfcErr: boom}
	w := New()

	_, _, err := w.PromoteRFCToADR(context.Background(), selectedRFC(), "ok", nil, store)
	require.ErrorIs(t, err, boom)
	require.Len(t, store.adrs, 1)
	assert.Empty(t, store.rfcs)

	store.rfcErr = nil
	adr, resolved, err := w.PromoteRFCToADR(context.Background(), selectedRFC(), "ok", nil, store)
	require.NoError(t, err)
	assert.Len(t, store.adrs, 1, "no second ADR for the same RFC")
	assert.Equal(t, "ADR_001", adr.ID)
	assert.Equal(t, "ADR_001", resolved.PromotedToADR)
	assert.Equal(t, resolved, store.rfcs["RFC_001"])
}

func TestPromoteRFCToADR_RetryWithDifferentDecision(t *testing.T) {
	store := &memDecisions{rfcErr: errors.New("disk full")}
	w := New()
	_, _, err := w.PromoteRFCToADR(context.Background(), selectedRFC(), "ok", nil, store)
	require.Error(t, err)

	store.rfcErr = nil
	_, _, err = w.PromoteRFCToADR(context.Background(), selectedRFC(), "changed my mind", nil, store)
	assert.ErrorIs(t, err, knowledge.ErrGuard)
	assert.Len(t, store.adrs, 1)
	assert.Empty(t, store.rfcs)
}
