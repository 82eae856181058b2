// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianClamp/services/clamp/aggregate"
	"github.com/AleutianAI/AleutianClamp/services/clamp/compare"
	"github.com/AleutianAI/AleutianClamp/services/clamp/history"
	"github.com/AleutianAI/AleutianClamp/services/clamp/telemetry"
)

// summaryPayload is the API shape of an accumulated summary.
type summaryPayload struct {
	SourceDirectory     string  `json:"sourceDirectory"`
	Backend             string  `json:"backend"`
	DeviceName          string  `json:"deviceName"`
	SessionCount        int     `json:"sessionCount"`
	MeanStability       float64 `json:"meanStability"`
	Variance            float64 `json:"variance"`
	DriftPercentile     float64 `json:"driftPercentile"`
	TrustStatus         string  `json:"trustStatus,omitempty"`
	ProvenanceIssuer    string  `json:"provenanceIssuer,omitempty"`
	ProvenanceTimestamp string  `json:"provenanceTimestamp,omitempty"`
	DigestAlgorithm     string  `json:"digestAlgorithm,omitempty"`
	PolicyDecision      string  `json:"policyDecision,omitempty"`
}

func toSummaryPayload(s aggregate.Summary) summaryPayload {
	return summaryPayload{
		SourceDirectory:     s.SourceDirectory,
		Backend:             s.Backend,
		DeviceName:          s.DeviceName,
		SessionCount:        s.SessionCount,
		MeanStability:       s.MeanStability,
		Variance:            s.Variance,
		DriftPercentile:     s.DriftPercentile,
		TrustStatus:         s.TrustStatus,
		ProvenanceIssuer:    s.ProvenanceIssuer,
		ProvenanceTimestamp: s.ProvenanceTimestamp,
		DigestAlgorithm:     s.DigestAlgorithm,
		PolicyDecision:      s.PolicyDecision,
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSummary returns the canonical summary file.
func (s *Server) handleSummary(c *gin.Context) {
	summary, err := aggregate.LoadSummary(aggregate.SummaryPath(s.deps.Root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no summary has been accumulated yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toSummaryPayload(summary))
}

// handleAccumulate runs one accumulation and returns the fresh summary.
func (s *Server) handleAccumulate(c *gin.Context) {
	summary, err := s.refresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.hub.Broadcast(Event{
		Type:    EventSummary,
		At:      time.Now().UTC(),
		Summary: toSummaryPayload(summary),
	})
	c.JSON(http.StatusOK, toSummaryPayload(summary))
}

// handleSessions returns one summary per session file.
func (s *Server) handleSessions(c *gin.Context) {
	sessions, err := s.deps.Aggregator.LoadSessions(
		c.Request.Context(), aggregate.TelemetryDir(s.deps.Root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no telemetry directory"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, gin.H{
			"filename": session.Filename,
			"samples":  session.Samples,
			"summary":  toSummaryPayload(session.Summary),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// compareRequest selects the summaries to compare.
type compareRequest struct {
	Paths  []string `json:"paths" binding:"required,min=2"`
	Output string   `json:"output,omitempty"`
}

// handleCompare compares summary files and gates the result.
func (s *Server) handleCompare(c *gin.Context) {
	if s.deps.Comparator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "comparison is not configured"})
		return
	}

	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	result := s.deps.Comparator.Compare(req.Paths, req.Output)
	baseline, ok := result.Baseline()
	if result.Empty() || !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no summaries could be loaded"})
		return
	}
	entries := make([]gin.H, 0, len(result.Entries))
	for _, entry := range result.Entries {
		s.exportComparison(c, baseline.Summary.Backend, entry)
		entries = append(entries, gin.H{
			"path":             entry.Path,
			"backend":          entry.Summary.Backend,
			"deviceName":       entry.Summary.DeviceName,
			"meanStability":    entry.Summary.MeanStability,
			"variance":         entry.Summary.Variance,
			"driftPercentile":  entry.Summary.DriftPercentile,
			"meanDelta":        entry.MeanDelta,
			"driftSkew":        entry.DriftSkew,
			"varianceRatio":    finiteOrNil(entry.VarianceRatio),
			"driftSignificant": entry.DriftSignificant,
			"isBaseline":       entry.IsBaseline,
		})
	}

	response := gin.H{"baseline": baseline.Summary.Backend, "entries": entries}

	if s.deps.Gate != nil {
		report := s.deps.Gate.Check(c.Request.Context(), result)
		violations := make([]gin.H, 0, len(report.Violations))
		for _, v := range report.Violations {
			violations = append(violations, gin.H{
				"path":    v.Path,
				"backend": v.Backend,
				"reason":  v.Reason,
			})
		}
		response["gate"] = gin.H{"passed": report.Passed, "violations": violations}
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) exportComparison(c *gin.Context, baselineBackend string, entry compare.Entry) {
	if entry.IsBaseline {
		return
	}
	data := &telemetry.ComparisonData{
		Timestamp:       time.Now().UTC(),
		BaselineBackend: baselineBackend,
		Backend:         entry.Summary.Backend,
		MeanDelta:       entry.MeanDelta,
		DriftSkew:       entry.DriftSkew,
		VarianceRatio:   entry.VarianceRatio,
		Significant:     entry.DriftSignificant,
	}
	if err := s.deps.Sink.RecordComparison(c.Request.Context(), data); err != nil {
		s.log.Debug("comparison telemetry failed", "error", err.Error())
	}
}

func finiteOrNil(v float64) any {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

// handleHistory returns archived summaries, newest first.
func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the summary archive is not configured"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := s.deps.Store.RecentSummaries(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		out = append(out, gin.H{
			"at":      entry.At.Format(time.RFC3339Nano),
			"summary": toSummaryPayload(entry.Summary),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

// handleTrend reports the stability trend over recent accumulations.
func (s *Server) handleTrend(c *gin.Context) {
	analyzer, points, ok := s.trendInputs(c)
	if !ok {
		return
	}

	trend := analyzer.Analyze(points)
	c.JSON(http.StatusOK, trend)
}

// handleAlerts reports active trend alerts.
func (s *Server) handleAlerts(c *gin.Context) {
	analyzer, points, ok := s.trendInputs(c)
	if !ok {
		return
	}

	alerts := analyzer.GenerateAlerts(points)
	if alerts == nil {
		alerts = []history.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// trendInputs collects the analyzer and observation window shared by
// the trend and alert endpoints.
func (s *Server) trendInputs(c *gin.Context) (*history.Analyzer, []history.Point, bool) {
	if s.deps.Analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trend analysis is not configured"})
		return nil, nil, false
	}

	var points []history.Point
	switch {
	case s.deps.History != nil && s.deps.History.Len() > 0:
		points = s.deps.History.Slice()
	case s.deps.Store != nil:
		since := time.Now().AddDate(0, 0, -7)
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return nil, nil, false
			}
			since = parsed
		}
		var err error
		points, err = s.deps.Store.PointsSince(since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return nil, nil, false
		}
	}

	return s.deps.Analyzer, points, true
}
