// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"fmt"
	"strconv"
	"strings"
)

// Sequential id prefixes.
const (
	PrefixSession = "session"
	PrefixRFC     = "RFC"
	PrefixADR     = "ADR"
)

// FormatSeqID renders prefix_NNN with at least three digits.
func FormatSeqID(prefix string, n int) string {
	return fmt.Sprintf("%s_%03d", prefix, n)
}

// ParseSeqID extracts n from prefix_NNN.
func ParseSeqID(prefix, id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok || len(rest) < 3 {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NextSeqID returns prefix_{max+1} over the ids that parse under prefix.
func NextSeqID(prefix string, existing []string) string {
	highest := 0
	for _, id := range existing {
		if n, ok := ParseSeqID(prefix, id); ok && n > highest {
			highest = n
		}
	}
	return FormatSeqID(prefix, highest+1)
}
