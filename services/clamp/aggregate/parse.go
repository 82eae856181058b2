// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregate

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// parsedSession is the extracted content of one session file.
// ok is false when the file could not be read or parsed at top level; such
// a file still counts as an attempted session.
type parsedSession struct {
	name      string
	ok        bool
	backend   string
	device    string
	scores    []float64
	durations []float64
}

// rawSession decodes only the envelope; records stay raw so that one
// broken record cannot poison its siblings.
type rawSession struct {
	Backend     string            `json:"backend"`
	DeviceCamel string            `json:"deviceName"`
	DeviceSnake string            `json:"device_name"`
	Records     []json.RawMessage `json:"records"`
}

// rawRecord uses pointers to distinguish absent fields from zero values.
type rawRecord struct {
	StabilityScore *float64 `json:"stability_score"`
	DurationMs     *float64 `json:"duration_ms"`
}

// parseSessionFile extracts stability scores and durations from one file.
//
// Description:
//
//	Per-record isolation: a record whose stability_score is missing or
//	non-numeric is dropped alone; a file that fails to read or parse at
//	top level is skipped whole. NaN and infinite values never reach the
//	statistics. Durations are kept only when present, finite, and
//	non-negative.
func parseSessionFile(path string, log *slog.Logger) parsedSession {
	p := parsedSession{name: filepath.Base(path)}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("session file unreadable, skipping",
			slog.String("path", path), slog.String("error", err.Error()))
		return p
	}

	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn("session file malformed, skipping",
			slog.String("path", path), slog.String("error", err.Error()))
		return p
	}

	p.ok = true
	p.backend = raw.Backend
	p.device = firstNonEmpty(raw.DeviceCamel, raw.DeviceSnake)

	for _, msg := range raw.Records {
		var rec rawRecord
		if err := json.Unmarshal(msg, &rec); err != nil || rec.StabilityScore == nil {
			continue
		}
		score := *rec.StabilityScore
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		p.scores = append(p.scores, score)

		if rec.DurationMs == nil {
			continue
		}
		d := *rec.DurationMs
		if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
			continue
		}
		p.durations = append(p.durations, d)
	}
	return p
}

// sessionFileNames filters a directory listing down to regular .json
// files, sorted for a deterministic fold order.
func sessionFileNames(entries []os.DirEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// ReadDir returns sorted entries already; the filter preserves order.
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
