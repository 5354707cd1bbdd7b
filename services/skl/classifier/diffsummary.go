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

	"github.com/sourcegraph/go-diff/diff"
)

// DiffSummary is a size summary of a unified diff.
type DiffSummary struct {
	Files   int
	Hunks   int
	Added   int
	Changed int
	Deleted int
	// Parsed is false when the text was not a unified diff.
	Parsed bool
}

// String renders the summary for the verifier prompt.
func (s DiffSummary) String() string {
	if !s.Parsed {
		return "not a unified diff"
	}
	return fmt.Sprintf("%d file(s), %d hunk(s), +%d ~%d -%d lines",
		s.Files, s.Hunks, s.Added, s.Changed, s.Deleted)
}

// SummarizeDiff parses text as a unified diff and counts its changes.
// Unparseable or empty input yields a zero summary with Parsed=false.
func SummarizeDiff(text string) DiffSummary {
	if strings.TrimSpace(text) == "" {
		return DiffSummary{}
	}
	files, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil || len(files) == 0 {
		return DiffSummary{}
	}
	s := DiffSummary{Files: len(files), Parsed: true}
	for _, f := range files {
		s.Hunks += len(f.Hunks)
		st := f.Stat()
		s.Added += int(st.Added)
		s.Changed += int(st.Changed)
		s.Deleted += int(st.Deleted)
	}
	return s
}
