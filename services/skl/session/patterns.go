// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// RecurringPatternMin is how many times a reason must occur in one pass to
// be reported as a recurring pattern.
const RecurringPatternMin = 2

// reasonUncertain groups every decision that relied on a verifier
// fallback or a disagreement.
const reasonUncertain = "uncertain_classification"

// RecurringPatterns summarizes reasons that recurred during a pass.
//
// Every non-approval reason and every uncertain classification is counted
// across proposals. Reasons seen at least RecurringPatternMin times are
// reported in order of first occurrence with the agents involved.
func RecurringPatterns(decisions []Decision) []string {
	type group struct {
		count  int
		agents []string
	}
	groups := map[string]*group{}
	var order []string

	add := func(reason, agent string) {
		g, ok := groups[reason]
		if !ok {
			g = &group{}
			groups[reason] = g
			order = append(order, reason)
		}
		g.count++
		if !slices.Contains(g.agents, agent) {
			g.agents = append(g.agents, agent)
		}
	}
	for _, d := range decisions {
		if d.Status != knowledge.StatusApproved {
			add(d.Reason, d.AgentID)
		}
		if d.Uncertain {
			add(reasonUncertain, d.AgentID)
		}
	}

	out := []string{}
	for _, reason := range order {
		g := groups[reason]
		if g.count < RecurringPatternMin {
			continue
		}
		slices.Sort(g.agents)
		out = append(out, fmt.Sprintf("%s x%d (agents: %s)", reason, g.count, strings.Join(g.agents, ", ")))
	}
	return out
}
