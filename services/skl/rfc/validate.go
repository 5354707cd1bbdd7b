// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rfc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/skl/services/skl/knowledge"
)

// Resolution is a human's answer to an open RFC.
type Resolution struct {
	// Selection is the chosen option label.
	Selection string

	// Rationale explains the choice.
	Rationale string

	// AcceptanceCriteria gate the merge. At least one is required. Missing
	// ac_id and status values are filled in.
	AcceptanceCriteria []knowledge.AcceptanceCriterion

	// BlockMerge sets merge_blocked_until_criteria_pass.
	BlockMerge bool

	// ProposalStatus, when approved or rejected, decides the triggering
	// proposal as part of the resolution. Empty leaves it untouched.
	ProposalStatus knowledge.ProposalStatus
}

// Validate checks the RFC schema plus the rules the schema cannot express:
// unique option labels and a recommended option that exists.
func Validate(r knowledge.RFC) error {
	var fields []knowledge.FieldError
	var verr *knowledge.ValidationError
	if err := knowledge.Validate(&r); err != nil {
		if !errors.As(err, &verr) {
			return err
		}
		fields = append(fields, verr.Fields...)
	}

	seen := make(map[string]bool, len(r.Options))
	for i, o := range r.Options {
		if o.Label != "" && seen[o.Label] {
			fields = append(fields, knowledge.FieldError{
				Field:  fmt.Sprintf("options[%d].label", i),
				Rule:   "unique",
				Detail: fmt.Sprintf("label %q is used twice", o.Label),
			})
		}
		seen[o.Label] = true
	}
	if r.RecommendedOption != "" && !seen[r.RecommendedOption] {
		fields = append(fields, knowledge.FieldError{
			Field:  "recommended_option",
			Rule:   "option",
			Detail: fmt.Sprintf("%q is not an option label", r.RecommendedOption),
		})
	}
	if len(fields) > 0 {
		return &knowledge.ValidationError{Path: r.ID, Fields: fields}
	}
	return nil
}

// ValidateResolution reports every problem with res at once: a selection
// that is not an option label, a blank rationale, no acceptance criteria
// or an incomplete criterion.
func ValidateResolution(r knowledge.RFC, res Resolution) error {
	var fields []knowledge.FieldError
	add := func(field, rule, detail string) {
		fields = append(fields, knowledge.FieldError{Field: field, Rule: rule, Detail: detail})
	}

	switch {
	case strings.TrimSpace(res.Selection) == "":
		add("human_selection", "required", "is required")
	default:
		if _, ok := r.Option(res.Selection); !ok {
			add("human_selection", "option", fmt.Sprintf("%q is not one of %s", res.Selection, strings.Join(labels(r), ", ")))
		}
	}
	if strings.TrimSpace(res.Rationale) == "" {
		add("human_rationale", "required", "is required")
	}
	if len(res.AcceptanceCriteria) == 0 {
		add("acceptance_criteria", "min", "at least one acceptance criterion is required")
	}
	for i, ac := range res.AcceptanceCriteria {
		prefix := fmt.Sprintf("acceptance_criteria[%d]", i)
		if strings.TrimSpace(ac.Description) == "" {
			add(prefix+".description", "required", "is required")
		}
		switch ac.CheckType {
		case knowledge.CheckTest, knowledge.CheckLint, knowledge.CheckCI, knowledge.CheckManual:
		case "":
			add(prefix+".check_type", "required", "is required")
		default:
			add(prefix+".check_type", "oneof", fmt.Sprintf("must be one of [test lint ci manual], got %s", ac.CheckType))
		}
		if strings.TrimSpace(ac.CheckReference) == "" {
			add(prefix+".check_reference", "required", "is required")
		}
	}
	switch res.ProposalStatus {
	case "", knowledge.StatusApproved, knowledge.StatusRejected:
	default:
		add("proposal_status", "oneof", fmt.Sprintf("must be approved or rejected, got %s", res.ProposalStatus))
	}

	if len(fields) > 0 {
		return &knowledge.ValidationError{Path: r.ID, Fields: fields}
	}
	return nil
}

// IsMergeBlocked reports whether r gates merge: the flag is set and some
// acceptance criterion has not passed.
func IsMergeBlocked(r knowledge.RFC) bool {
	if !r.MergeBlockedUntilCriteriaPass {
		return false
	}
	return len(UnmetCriteria(r)) > 0
}

// UnmetCriteria returns the criteria whose status is not passed.
func UnmetCriteria(r knowledge.RFC) []knowledge.AcceptanceCriterion {
	var out []knowledge.AcceptanceCriterion
	for _, ac := range r.AcceptanceCriteria {
		if ac.Status != knowledge.CriterionPassed {
			out = append(out, ac)
		}
	}
	return out
}

// SetCriterionStatus returns a copy of r with criterion acID set to status.
func SetCriterionStatus(r knowledge.RFC, acID string, status knowledge.CriterionStatus) (knowledge.RFC, error) {
	const op = "set criterion status"
	switch status {
	case knowledge.CriterionPending, knowledge.CriterionPassed, knowledge.CriterionFailed:
	default:
		return knowledge.RFC{}, knowledge.NewGuardError(op, "unknown status %q", status)
	}
	out := r.Clone()
	for i := range out.AcceptanceCriteria {
		if out.AcceptanceCriteria[i].ACID == acID {
			out.AcceptanceCriteria[i].Status = status
			return out, nil
		}
	}
	return knowledge.RFC{}, knowledge.NewGuardError(op, "%s has no criterion %q", r.ID, acID)
}

// IsDeadlinePassed reports whether r is still open at or after its human
// response deadline.
func IsDeadlinePassed(r knowledge.RFC, now time.Time) bool {
	if r.Status != knowledge.RFCOpen {
		return false
	}
	return !knowledge.TimeOf(r.HumanResponseDeadline).After(now)
}

func labels(r knowledge.RFC) []string {
	out := make([]string, len(r.Options))
	for i, o := range r.Options {
		out[i] = o.Label
	}
	return out
}
