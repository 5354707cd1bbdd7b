// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import "github.com/AleutianAI/skl/services/skl/knowledge"

// Eligibility predicates. All are pure and read only the proposal and its
// stored classification record.

// RequiresMandatoryIndividualReview is true if any of: auth/permission
// touched, public API changed, invariant file touched, cross-scope, or a
// stage-1 override fired.
func RequiresMandatoryIndividualReview(p *knowledge.QueueProposal) bool {
	s := p.RiskSignals
	return s.TouchedAuthOrPermissionPatterns ||
		s.PublicAPISignatureChanged ||
		s.InvariantReferencedFileModified ||
		p.CrossScopeFlag ||
		p.ClassificationVerification.Stage1Override
}

// IsEligibleForAutoApproval is a strict AND: resolved mechanical, static
// analysis confirms mechanical-only, no auth touch, no public API change, no
// invariant-file touch, no high-fan-in touch, not cross-scope, and every
// declared assumption is non-shared.
func IsEligibleForAutoApproval(p *knowledge.QueueProposal) bool {
	s := p.RiskSignals
	if p.ClassificationVerification.ResolvedClassification != knowledge.ChangeMechanical {
		return false
	}
	if !s.MechanicalOnly ||
		s.TouchedAuthOrPermissionPatterns ||
		s.PublicAPISignatureChanged ||
		s.InvariantReferencedFileModified ||
		s.HighFanInModuleModified ||
		p.CrossScopeFlag {
		return false
	}
	for _, a := range p.Assumptions {
		if a.Shared {
			return false
		}
	}
	return true
}

// NeedsVerifierPass is true iff stage 1 did not override.
func NeedsVerifierPass(s Stage1Result) bool {
	return !s.Override
}
