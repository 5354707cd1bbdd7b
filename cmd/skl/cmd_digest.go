// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/pkg/ux"
	"github.com/AleutianAI/skl/services/skl/digest"
	"github.com/AleutianAI/skl/services/skl/store"
)

// Digest output formats.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatTable    = "table"
)

func newDigestCmd(a *app) *cobra.Command {
	var (
		format string
		out    string
		ifDue  bool
	)
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Summarize what needs human review",
		Long: `digest lists records awaiting review, records flagged for drift,
contested records, recent architectural decisions and queue counts.

With --out the digest is written to a file. --if-due skips generation
unless the file is missing or enough architectural decisions were
recorded since it was last written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ifDue && out == "" {
				return errors.New("--if-due needs --out")
			}
			return a.withStore(func(s store.KnowledgeStore) error {
				k, err := readKnowledge(cmd.Context(), s)
				if err != nil {
					return err
				}
				if ifDue {
					last, err := lastWritten(a.path(out))
					if err != nil {
						return err
					}
					if !digest.ShouldTriggerDigest(k, last) {
						a.out.Info("digest not due")
						return nil
					}
				}
				d := digest.GenerateWithThreshold(k, time.Now(), a.cfg.ReviewThreshold)
				if out == "" {
					return a.renderDigest(a.stdout, d, format)
				}
				if err := writeDigestFile(a.path(out), d, format); err != nil {
					return err
				}
				a.out.Success("wrote digest to %s", out)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", FormatMarkdown, "markdown, json or table")
	f.StringVar(&out, "out", "", "write the digest to this file")
	f.BoolVar(&ifDue, "if-due", false, "only write when a new digest is due")
	return cmd
}

// lastWritten returns the modification time of path, or nil if it does not
// exist.
func lastWritten(path string) (*time.Time, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := info.ModTime()
	return &t, nil
}

func writeDigestFile(path string, d digest.Digest, format string) error {
	if format == FormatTable {
		return fmt.Errorf("format %q cannot be written to a file", format)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := renderDigestData(f, d, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *app) renderDigest(w io.Writer, d digest.Digest, format string) error {
	if format == FormatTable {
		a.printDigest(d)
		return nil
	}
	return renderDigestData(w, d, format)
}

func renderDigestData(w io.Writer, d digest.Digest, format string) error {
	switch format {
	case FormatMarkdown:
		_, err := io.WriteString(w, digest.RenderMarkdown(d))
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	default:
		return fmt.Errorf("unknown digest format %q", format)
	}
}

func (a *app) printDigest(d digest.Digest) {
	a.out.Title("SKL digest")
	if d.IsEmpty() {
		a.out.Success("Nothing needs review.")
	}
	sections := []struct {
		title   string
		records []digest.RecordSummary
	}{
		{"Pending review", d.PendingReview},
		{fmt.Sprintf("Flagged for drift (%d+ changes)", d.ReviewThreshold), d.FlaggedForDrift},
		{"Contested", d.Contested},
	}
	for _, s := range sections {
		if len(s.records) == 0 {
			continue
		}
		a.out.Info("%s", s.title)
		rows := make([][]string, len(s.records))
		for i, r := range s.records {
			reviewed := "never"
			if r.LastReviewedAt != nil {
				reviewed = r.LastReviewedAt.Format(time.RFC3339)
			}
			rows[i] = []string{r.Path, r.SemanticScope, r.Owner, strconv.Itoa(r.ChangeCountSinceReview), reviewed}
		}
		a.out.Table([]string{"PATH", "SCOPE", "OWNER", "CHANGES", "REVIEWED"}, rows)
	}
	if len(d.RecentArchitectural) > 0 {
		a.out.Info("Recent architectural decisions")
		rows := make([][]string, len(d.RecentArchitectural))
		for i, ad := range d.RecentArchitectural {
			rows[i] = []string{ad.Path, ad.AgentID, ad.RecordedAt.Format(time.RFC3339), ad.Rationale}
		}
		a.out.Table([]string{"PATH", "AGENT", "RECORDED", "RATIONALE"}, rows)
	}
	a.out.Summary(queueCounts(d.Queue)...)
}

func queueCounts(q digest.QueueCounts) []ux.Count {
	return []ux.Count{
		{Label: "pending", N: q.Pending, Tone: toneIf(q.Pending, ux.ToneWarn)},
		{Label: "approved", N: q.Approved, Tone: ux.ToneGood},
		{Label: "escalated", N: q.Escalated, Tone: toneIf(q.Escalated, ux.ToneWarn)},
		{Label: "rfc", N: q.RFC},
		{Label: "rejected", N: q.Rejected},
	}
}
