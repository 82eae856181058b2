// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedSession is returned when a session file cannot be parsed.
var ErrMalformedSession = errors.New("malformed session file")

// TimeLayout is the on-disk timestamp format (ISO-8601 UTC, second
// resolution). The zero time renders as the empty string.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders t in the session wire format.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTimestamp parses the session wire format; empty or malformed input
// yields the zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EscapeString escapes s for embedding in a JSON string literal: quotes,
// backslashes, and control characters below 0x20 (named escapes for
// \b \f \n \r \t, \u00XX otherwise).
func EscapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ToJSON serializes the collector: backend, device (dual-keyed), the mean
// stability score across all records (0 if none), and the full record list.
//
// Description:
//
//	Every string field is escaped via EscapeString. Timestamps use
//	TimeLayout; an in-flight record's released_at is null. The snapshot is
//	taken under the lock but the string is assembled outside it.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) ToJSON() string {
	c.mu.Lock()
	sessionID := c.sessionID
	backend := orDefault(c.backend, DefaultBackend)
	device := orDefault(c.device, hostDevice)
	records := make([]Record, len(c.records))
	copy(records, c.records)
	c.mu.Unlock()

	var b strings.Builder
	b.WriteString("{")
	b.WriteString(`"session_id": "` + EscapeString(sessionID) + `", `)
	b.WriteString(`"backend": "` + EscapeString(backend) + `", `)
	b.WriteString(`"deviceName": "` + EscapeString(device) + `", `)
	b.WriteString(`"device_name": "` + EscapeString(device) + `", `)
	b.WriteString(`"stability_score": ` + formatFloat(meanStability(records)) + `, `)
	b.WriteString(`"records": [`)
	for i := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		writeRecordJSON(&b, &records[i])
	}
	b.WriteString("]}")
	return b.String()
}

func writeRecordJSON(b *strings.Builder, r *Record) {
	b.WriteString("{")
	b.WriteString(`"context": "` + EscapeString(r.Context) + `", `)
	b.WriteString(`"seed": ` + strconv.FormatUint(r.Seed, 10) + `, `)
	b.WriteString(`"backend": "` + EscapeString(r.Backend) + `", `)
	b.WriteString(`"deviceName": "` + EscapeString(r.DeviceName) + `", `)
	b.WriteString(`"device_name": "` + EscapeString(r.DeviceName) + `", `)
	b.WriteString(`"thread_id": "` + EscapeString(r.ThreadID) + `", `)
	b.WriteString(`"acquired_at": "` + FormatTimestamp(r.AcquiredAt) + `", `)
	if r.ReleasedAt.IsZero() {
		b.WriteString(`"released_at": null, `)
	} else {
		b.WriteString(`"released_at": "` + FormatTimestamp(r.ReleasedAt) + `", `)
	}
	b.WriteString(`"duration_ms": ` + formatFloat(r.DurationMs) + `, `)
	b.WriteString(`"stability_score": ` + formatFloat(r.StabilityScore))
	b.WriteString("}")
}

// WriteJSON writes the serialized collector into dir.
//
// Description:
//
//	Creates dir if missing and writes `<hint>_<UTC timestamp>Z.json`.
//	Returns false on any I/O failure; never panics. The collector lock is
//	not held during the write.
//
// Inputs:
//   - dir: Target directory.
//   - hint: Filename prefix (used verbatim).
//
// Outputs:
//   - bool: True when the file was written.
//
// Thread Safety: Safe for concurrent use.
func (c *Collector) WriteJSON(dir, hint string) bool {
	if dir == "" {
		return false
	}
	payload := c.ToJSON()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("telemetry directory creation failed",
			slog.String("dir", dir), slog.String("error", err.Error()))
		return false
	}

	name := hint + "_" + time.Now().UTC().Format("20060102T150405Z") + ".json"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		slog.Warn("telemetry session write failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Session reading
// -----------------------------------------------------------------------------

type sessionPayload struct {
	SessionID   string          `json:"session_id"`
	Backend     string          `json:"backend"`
	DeviceCamel string          `json:"deviceName"`
	DeviceSnake string          `json:"device_name"`
	Records     []recordPayload `json:"records"`
}

type recordPayload struct {
	Context        string  `json:"context"`
	Seed           uint64  `json:"seed"`
	Backend        string  `json:"backend"`
	DeviceCamel    string  `json:"deviceName"`
	DeviceSnake    string  `json:"device_name"`
	ThreadID       string  `json:"thread_id"`
	AcquiredAt     string  `json:"acquired_at"`
	ReleasedAt     *string `json:"released_at"`
	DurationMs     float64 `json:"duration_ms"`
	StabilityScore float64 `json:"stability_score"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ReadSessionFile loads a session file written by WriteJSON (or the legacy
// emitter) back into a Collector.
//
// Description:
//
//	Accepts either key of the deviceName/device_name pair, preferring the
//	camel-case one. Timestamps that fail to parse become the zero time; a
//	null released_at stays zero (in-flight). Intended for merge/alignment
//	tooling, so unlike aggregation this is not lenient about top-level
//	structure: a file that is not a session object is an error.
//
// Inputs:
//   - path: Session file path.
//
// Outputs:
//   - *Collector: The loaded collector. Nil on error.
//   - error: ErrMalformedSession (joined with the cause) on parse failure.
func ReadSessionFile(path string) (*Collector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", path, err)
	}

	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Join(ErrMalformedSession, err)
	}

	c := &Collector{
		sessionID: payload.SessionID,
		backend:   payload.Backend,
		device:    firstNonEmpty(payload.DeviceCamel, payload.DeviceSnake),
	}
	if c.sessionID == "" {
		c.sessionID = filepath.Base(path)
	}

	c.records = make([]Record, 0, len(payload.Records))
	for _, rp := range payload.Records {
		rec := Record{
			Context:        rp.Context,
			Seed:           rp.Seed,
			ThreadID:       rp.ThreadID,
			Backend:        rp.Backend,
			DeviceName:     firstNonEmpty(rp.DeviceCamel, rp.DeviceSnake),
			AcquiredAt:     ParseTimestamp(rp.AcquiredAt),
			DurationMs:     rp.DurationMs,
			StabilityScore: rp.StabilityScore,
		}
		if rp.ReleasedAt != nil {
			rec.ReleasedAt = ParseTimestamp(*rp.ReleasedAt)
		}
		c.records = append(c.records, rec)
	}
	return c, nil
}
