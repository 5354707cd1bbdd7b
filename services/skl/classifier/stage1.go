// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Stage-1 rule numbers, in evaluation order.
const (
	RuleMechanicalOnly = 1
	RuleRiskSignal     = 2
	RuleCrossScope     = 3
	RuleTrustAgent     = 4
)

// Stage1 applies the deterministic override rules.
//
// Description:
//
//	Rules are evaluated in order and the first match wins:
//	  1. static analysis confirmed mechanical-only → mechanical, override
//	     (takes precedence over everything, including the declared type)
//	  2. declared mechanical with an auth, public API or invariant-file
//	     signal → behavioral, override, reason names the signals
//	  3. declared mechanical but cross-scope → behavioral, override
//	  4. otherwise trust the declared type, no override
//
// Inputs:
//
//	declared - The agent's declared change type.
//	signals - Static-analysis risk signals.
//	crossScope - Whether the change was flagged cross-scope.
//
// Outputs:
//
//	Stage1Result - The resolved type, whether an override fired and why.
//
// Thread Safety: Pure function.
func Stage1(declared knowledge.ChangeType, signals knowledge.RiskSignals, crossScope bool) Stage1Result {
	if signals.MechanicalOnly {
		return Stage1Result{
			Resolved: knowledge.ChangeMechanical,
			Override: true,
			Reason:   "static analysis confirmed mechanical_only change",
			Rule:     RuleMechanicalOnly,
		}
	}

	if declared == knowledge.ChangeMechanical {
		if names := triggeredSignals(signals); len(names) > 0 {
			return Stage1Result{
				Resolved: knowledge.ChangeBehavioral,
				Override: true,
				Reason:   fmt.Sprintf("declared mechanical but %s", strings.Join(names, ", ")),
				Rule:     RuleRiskSignal,
			}
		}
		if crossScope {
			return Stage1Result{
				Resolved: knowledge.ChangeBehavioral,
				Override: true,
				Reason:   "cross-scope cannot be mechanical",
				Rule:     RuleCrossScope,
			}
		}
	}

	return Stage1Result{Resolved: declared, Rule: RuleTrustAgent}
}

// triggeredSignals lists the rule-2 signals that fired, by wire name.
func triggeredSignals(s knowledge.RiskSignals) []string {
	var names []string
	if s.TouchedAuthOrPermissionPatterns {
		names = append(names, "touched_auth_or_permission_patterns")
	}
	if s.PublicAPISignatureChanged {
		names = append(names, "public_api_signature_changed")
	}
	if s.InvariantReferencedFileModified {
		names = append(names, "invariant_referenced_file_modified")
	}
	return names
}
