// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the skl CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled output in Rich mode and greppable lines in Plain
// mode.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode reports the printer's output mode.
func (p *Printer) Mode() Mode { return p.mode }

// Writer returns the destination.
func (p *Printer) Writer() io.Writer { return p.w }

// Title prints a styled title. Plain mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModePlain {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(format string, args ...any) {
	p.status("OK", IconSuccess, Styles.Success, fmt.Sprintf(format, args...))
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...any) {
	p.status("WARN", IconWarning, Styles.Warning, fmt.Sprintf(format, args...))
}

// Error prints an error message
func (p *Printer) Error(format string, args ...any) {
	p.status("ERROR", IconError, Styles.Error, fmt.Sprintf(format, args...))
}

func (p *Printer) status(tag string, icon Icon, style lipgloss.Style, text string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style.Render(text))
}

// Info prints an informational message
func (p *Printer) Info(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.mode == ModePlain {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "%s: %s\n", title, strings.ReplaceAll(content, "\n", "; "))
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func (p *Printer) WarningBox(title, content string) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "WARN %s: %s\n", title, strings.ReplaceAll(content, "\n", "; "))
		return
	}
	fmt.Fprintln(p.w, Styles.WarningBox.Width(72).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}

// Table prints rows under headers: a bordered table in Rich mode,
// tab-separated lines in Plain mode.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.mode == ModePlain {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Highlight.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(p.w, t.Render())
}

// Summary prints a line of labelled counts.
func (p *Printer) Summary(pairs ...Count) {
	parts := make([]string, len(pairs))
	for i, c := range pairs {
		if p.mode == ModePlain {
			parts[i] = fmt.Sprintf("%s=%d", c.Label, c.N)
			continue
		}
		style := Styles.Bold
		switch c.Tone {
		case ToneGood:
			style = Styles.Success
		case ToneWarn:
			style = Styles.Warning
		case ToneBad:
			style = Styles.Error
		}
		parts[i] = style.Render(fmt.Sprintf("%d", c.N)) + " " + Styles.Muted.Render(c.Label)
	}
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "SUMMARY: %s\n", strings.Join(parts, " "))
		return
	}
	fmt.Fprintf(p.w, "\n%s\n", strings.Join(parts, "  "))
}

// Tone colours a Count in Rich mode.
type Tone int

const (
	ToneNeutral Tone = iota
	ToneGood
	ToneWarn
	ToneBad
)

// Count is one entry of a Summary line.
type Count struct {
	Label string
	N     int
	Tone  Tone
}
