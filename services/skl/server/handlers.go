// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/skl/services/skl/digest"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/rfc"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// Error codes.
const (
	CodeNotFound      = "not_found"
	CodeInvalidStore  = "invalid_store"
	CodeInvalidFormat = "invalid_format"
	CodeInternal      = "internal"
)

// QueueResponse lists proposals.
type QueueResponse struct {
	Proposals []knowledge.QueueProposal `json:"proposals"`
	Count     int                       `json:"count"`
}

// RFCSummary is an RFC as listed by /v1/rfcs.
type RFCSummary struct {
	ID                 string              `json:"id"`
	Status             knowledge.RFCStatus `json:"status"`
	TriggeringProposal string              `json:"triggering_proposal"`
	DecisionRequired   string              `json:"decision_required"`
	Deadline           time.Time           `json:"human_response_deadline"`
	Overdue            bool                `json:"overdue"`
	MergeBlocked       bool                `json:"merge_blocked"`
}

// Handlers serves the read API.
type Handlers struct {
	store           Reader
	reviewThreshold int
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures Handlers.
type Option func(*Handlers)

// WithReviewThreshold sets the drift threshold used for digests.
func WithReviewThreshold(n int) Option {
	return func(h *Handlers) { h.reviewThreshold = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) { h.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

// NewHandlers serves from store.
func NewHandlers(store Reader, opts ...Option) *Handlers {
	h := &Handlers{
		store:           store,
		reviewThreshold: digest.ReviewThreshold,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleHealth reports whether the knowledge model can be read.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if _, err := h.store.Read(c.Request.Context()); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleDigest returns the digest as JSON, or as markdown with
// ?format=markdown.
func (h *Handlers) HandleDigest(c *gin.Context) {
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "markdown" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "format must be json or markdown", Code: CodeInvalidFormat})
		return
	}
	k, err := h.store.Read(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	d := digest.GenerateWithThreshold(k, h.now(), h.reviewThreshold)
	if format == "markdown" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(digest.RenderMarkdown(d)))
		return
	}
	c.JSON(http.StatusOK, d)
}

// HandleQueue lists proposals, optionally filtered by ?status= and
// ?agent=.
func (h *Handlers) HandleQueue(c *gin.Context) {
	k, err := h.store.Read(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	status := knowledge.ProposalStatus(c.Query("status"))
	agent := c.Query("agent")
	out := []knowledge.QueueProposal{}
	for _, p := range k.Queue {
		if status != "" && p.Status != status {
			continue
		}
		if agent != "" && p.AgentID != agent {
			continue
		}
		out = append(out, p)
	}
	c.JSON(http.StatusOK, QueueResponse{Proposals: out, Count: len(out)})
}

// HandleListRFCs lists RFC summaries; ?status=open filters.
func (h *Handlers) HandleListRFCs(c *gin.Context) {
	rfcs, err := h.store.ListRFCs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	status := knowledge.RFCStatus(c.Query("status"))
	now := h.now()
	out := []RFCSummary{}
	for _, r := range rfcs {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, RFCSummary{
			ID:                 r.ID,
			Status:             r.Status,
			TriggeringProposal: r.TriggeringProposal,
			DecisionRequired:   r.DecisionRequired,
			Deadline:           knowledge.TimeOf(r.HumanResponseDeadline),
			Overdue:            rfc.IsDeadlinePassed(r, now),
			MergeBlocked:       rfc.IsMergeBlocked(r),
		})
	}
	c.JSON(http.StatusOK, out)
}

// HandleGetRFC returns one RFC document.
func (h *Handlers) HandleGetRFC(c *gin.Context) {
	r, err := h.store.ReadRFC(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandleLatestSession returns the most recent session log.
func (h *Handlers) HandleLatestSession(c *gin.Context) {
	l, err := h.store.ReadSessionLog(c.Request.Context())
	if err == nil && l == nil {
		err = knowledge.ErrNotFound
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeNotFound})
	case errors.Is(err, knowledge.ErrValidation):
		h.logger.Error("store holds an invalid document", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeInvalidStore})
	default:
		h.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal})
	}
}
