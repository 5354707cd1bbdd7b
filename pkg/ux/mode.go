// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects between styled and script-friendly output.
type Mode int

const (
	// ModeRich enables colors, icons, boxes and tables.
	ModeRich Mode = iota

	// ModePlain outputs plain text suitable for scripting and parsing.
	ModePlain
)

func (m Mode) String() string {
	if m == ModePlain {
		return "plain"
	}
	return "rich"
}

// ParseMode parses "rich", "plain" or "auto". Auto returns ok=false so
// the caller falls back to DetectMode.
func ParseMode(s string) (mode Mode, ok bool, err error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeRich, false, nil
	case "rich", "full":
		return ModeRich, true, nil
	case "plain", "machine", "quiet":
		return ModePlain, true, nil
	default:
		return ModeRich, false, fmt.Errorf("unknown output mode %q (want auto, rich or plain)", s)
	}
}

// DetectMode picks Rich for an interactive terminal and Plain otherwise.
// SKL_OUTPUT overrides detection and NO_COLOR forces Plain.
func DetectMode(f *os.File) Mode {
	if m, ok, err := ParseMode(os.Getenv("SKL_OUTPUT")); err == nil && ok {
		return m
	}
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return ModePlain
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeRich
	}
	return ModePlain
}
