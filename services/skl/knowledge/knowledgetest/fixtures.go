// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knowledgetest provides fixtures for tests of SKL services.
package knowledgetest

import (
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Epoch is the fixed clock used by fixtures.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Clock returns a func reporting Epoch plus offset.
func Clock(offset time.Duration) func() time.Time {
	return func() time.Time { return Epoch.Add(offset) }
}

// Model returns an empty, valid knowledge model.
func Model() *knowledge.KnowledgeModel {
	return &knowledge.KnowledgeModel{
		Invariants: knowledge.Invariants{
			TechStack:        []string{"python", "fastapi"},
			AuthModel:        "jwt",
			DataStorage:      "postgres",
			SecurityPatterns: []string{"authenticate", "require_permission"},
		},
		State: []knowledge.StateRecord{},
		Queue: []knowledge.QueueProposal{},
	}
}

// Record returns a valid state record for path at the given level.
func Record(path string, level knowledge.UncertaintyLevel) knowledge.StateRecord {
	return knowledge.StateRecord{
		ID:                path,
		Path:              path,
		SemanticScope:     "core",
		Responsibilities:  "fixture",
		Dependencies:      []string{},
		InvariantsTouched: []string{},
		Assumptions:       []knowledge.Assumption{},
		Owner:             "agent-a",
		Version:           1,
		UncertaintyLevel:  level,
	}
}

// Proposal returns a pending proposal declared as changeType with no risk
// signals set.
func Proposal(id, agent, path string, changeType knowledge.ChangeType) knowledge.QueueProposal {
	return knowledge.QueueProposal{
		ProposalID:       id,
		AgentID:          agent,
		Path:             path,
		SemanticScope:    "core",
		ChangeType:       changeType,
		Responsibilities: "fixture change",
		SubmittedAt:      knowledge.Timestamp(Epoch),
		Status:           knowledge.StatusPending,
		RiskSignals: knowledge.RiskSignals{
			ASTChangeType: knowledge.ASTBehavioral,
		},
		ClassificationVerification: knowledge.ClassificationVerification{
			AgentClassification: changeType,
		},
		BlockingReasons: []string{},
	}
}

// MechanicalProposal returns a proposal that satisfies every auto-approval
// condition.
func MechanicalProposal(id, agent, path string) knowledge.QueueProposal {
	p := Proposal(id, agent, path, knowledge.ChangeMechanical)
	p.RiskSignals = knowledge.RiskSignals{
		ASTChangeType:  knowledge.ASTMechanical,
		MechanicalOnly: true,
	}
	return p
}

// RFC returns a valid open RFC triggered by proposalID.
func RFC(id, proposalID string) knowledge.RFC {
	return knowledge.RFC{
		ID:                 id,
		Status:             knowledge.RFCOpen,
		CreatedAt:          knowledge.Timestamp(Epoch),
		TriggeringProposal: proposalID,
		DecisionRequired:   "Choose how to proceed",
		Context:            "fixture",
		Options: []knowledge.RFCOption{
			{Label: "A", Description: "Accept the change", Consequences: "New behaviour ships"},
			{Label: "B", Description: "Reject the change", Consequences: "Nothing changes"},
		},
		RecommendedOption:     "B",
		HumanResponseDeadline: knowledge.Timestamp(Epoch.Add(48 * time.Hour)),
	}
}
