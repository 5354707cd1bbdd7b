// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package digest

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RenderMarkdown formats d for humans. Drift entries are listed most
// changed first; every other section keeps the digest's order.
func RenderMarkdown(d Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# SKL review digest\n\nGenerated %s\n\n", d.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Queue: %d pending, %d approved, %d escalated, %d awaiting RFC, %d rejected\n",
		d.Queue.Pending, d.Queue.Approved, d.Queue.Escalated, d.Queue.RFC, d.Queue.Rejected)

	if d.IsEmpty() {
		b.WriteString("\nNothing needs review.\n")
		return b.String()
	}

	writeRecords(&b, "Pending review", d.PendingReview)

	drift := slices.Clone(d.FlaggedForDrift)
	slices.SortStableFunc(drift, byDrift)
	writeRecords(&b, fmt.Sprintf("Flagged for drift (%d+ changes since review)", d.ReviewThreshold), drift)

	writeRecords(&b, "Contested", d.Contested)

	if len(d.RecentArchitectural) > 0 {
		fmt.Fprintf(&b, "\n## Recent architectural decisions (%d)\n\n", len(d.RecentArchitectural))
		for _, a := range d.RecentArchitectural {
			by := a.DecidedBy
			if a.AutoApproved {
				by = "auto"
			}
			fmt.Fprintf(&b, "- %s `%s` by %s (%s, %s): %s\n",
				a.RecordedAt.UTC().Format("2006-01-02"), a.Path, a.AgentID, a.ProposalID, by, oneLine(a.Rationale))
		}
	}
	return b.String()
}

func writeRecords(b *strings.Builder, title string, records []RecordSummary) {
	if len(records) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s (%d)\n\n", title, len(records))
	b.WriteString("| Path | Scope | Owner | Version | Level | Changes | Last reviewed |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range records {
		reviewed := "never"
		if r.LastReviewedAt != nil {
			reviewed = r.LastReviewedAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(b, "| `%s` | %s | %s | %d | %s | %d | %s |\n",
			r.Path, r.SemanticScope, r.Owner, r.Version, r.UncertaintyLevel, r.ChangeCountSinceReview, reviewed)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
