// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intake

import (
	"slices"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// HighFanInThreshold is the number of dependent records that makes a file
// a high fan-in module.
const HighFanInThreshold = 3

// Analysis is what static analysis reports about one changed file.
type Analysis struct {
	// Cosmetic is true when base and head differ only in formatting,
	// comments or import order.
	Cosmetic bool `json:"cosmetic"`

	// PublicAPIChanged is true when a top-level signature changed.
	PublicAPIChanged bool `json:"public_api_changed"`

	// Identifiers are the names, attributes and call targets in the head
	// version of the file.
	Identifiers []string `json:"identifiers"`
}

// DeriveRiskSignals builds the classifier's risk signals for filePath.
//
// The invariant and fan-in signals come from the knowledge model; the
// auth signal matches identifiers exactly against the invariants' security
// patterns. mechanical_only holds only when the AST change type is
// mechanical and no other signal fired.
func DeriveRiskSignals(filePath string, a Analysis, k *knowledge.KnowledgeModel) knowledge.RiskSignals {
	auth := AuthPatternTouched(a.Identifiers, k.Invariants.SecurityPatterns)
	invRef := InvariantReferencedFileModified(filePath, k.State)
	fanIn := HighFanIn(filePath, k.State)
	astType := DeriveASTChangeType(a.Cosmetic, a.PublicAPIChanged)

	return knowledge.RiskSignals{
		TouchedAuthOrPermissionPatterns: auth,
		PublicAPISignatureChanged:       a.PublicAPIChanged,
		InvariantReferencedFileModified: invRef,
		HighFanInModuleModified:         fanIn,
		ASTChangeType:                   astType,
		MechanicalOnly:                  astType == knowledge.ASTMechanical && !auth && !invRef && !fanIn,
	}
}

// DeriveASTChangeType maps analysis facts to the AST vocabulary:
// mechanical first, then structural for signature changes, else
// behavioral.
func DeriveASTChangeType(cosmetic, publicAPIChanged bool) knowledge.ASTChangeType {
	switch {
	case cosmetic:
		return knowledge.ASTMechanical
	case publicAPIChanged:
		return knowledge.ASTStructural
	default:
		return knowledge.ASTBehavioral
	}
}

// AuthPatternTouched reports whether any identifier equals a security
// pattern. Matching is exact and case-sensitive.
func AuthPatternTouched(identifiers, patterns []string) bool {
	for _, id := range identifiers {
		if slices.Contains(patterns, id) {
			return true
		}
	}
	return false
}

// InvariantReferencedFileModified reports whether a record that touches
// invariants lists filePath as a dependency.
func InvariantReferencedFileModified(filePath string, records []knowledge.StateRecord) bool {
	target := normalizePath(filePath)
	for _, r := range records {
		if len(r.InvariantsTouched) == 0 {
			continue
		}
		if dependsOn(r, target) {
			return true
		}
	}
	return false
}

// HighFanIn reports whether at least HighFanInThreshold records list
// filePath as a dependency.
func HighFanIn(filePath string, records []knowledge.StateRecord) bool {
	target := normalizePath(filePath)
	n := 0
	for _, r := range records {
		if dependsOn(r, target) {
			n++
		}
	}
	return n >= HighFanInThreshold
}

func dependsOn(r knowledge.StateRecord, target string) bool {
	for _, d := range r.Dependencies {
		if normalizePath(d) == target {
			return true
		}
	}
	return false
}
