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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
)

// ErrMalformedSummary is returned when a summary file cannot be parsed.
var ErrMalformedSummary = errors.New("malformed summary file")

// Tag values used when session files carry no or conflicting identity.
const (
	UnknownBackend = "unknown"
	UnknownDevice  = "unspecified"
	MixedTag       = "mixed"
)

// Summary is the aggregate view of one telemetry directory.
//
// The provenance fields are optional enrichment from the build record;
// they stay empty when no record exists and are omitted from the file.
type Summary struct {
	SourceDirectory string
	Backend         string
	DeviceName      string
	SessionCount    int
	MeanStability   float64
	Variance        float64
	DriftPercentile float64

	TrustStatus         string
	ProvenanceIssuer    string
	ProvenanceTimestamp string
	DigestAlgorithm     string
	PolicyDecision      string
}

// SessionSummary pairs a per-file Summary with its filename.
type SessionSummary struct {
	Filename string
	Summary  Summary

	// Samples is the number of valid samples the file contributed.
	Samples int
}

// EncodeSummary renders the canonical summary bytes.
//
// Description:
//
//	Emission is deterministic: fixed key order, dual camel/snake keys for
//	the compatibility pairs, shortest float rendering, no map iteration.
//	Two encodes of equal summaries are byte-identical, which is what makes
//	accumulation idempotent.
func EncodeSummary(s Summary) []byte {
	var b strings.Builder
	b.WriteString("{")
	writeStringPair(&b, "sourceDirectory", "source_directory", s.SourceDirectory)
	b.WriteString(`"backend": "` + collector.EscapeString(s.Backend) + `", `)
	writeStringPair(&b, "deviceName", "device_name", s.DeviceName)
	count := strconv.Itoa(s.SessionCount)
	b.WriteString(`"sessionCount": ` + count + `, "session_count": ` + count + `, `)
	writeNumberPair(&b, "meanStability", "mean_stability", s.MeanStability)
	writeNumberPair(&b, "variance", "stability_variance", s.Variance)
	drift := formatFloat(s.DriftPercentile)
	b.WriteString(`"driftPercentile": ` + drift + `, "drift_index": ` + drift)

	writeOptionalString(&b, "trustStatus", s.TrustStatus)
	writeOptionalString(&b, "provenanceIssuer", s.ProvenanceIssuer)
	writeOptionalString(&b, "provenanceTimestamp", s.ProvenanceTimestamp)
	writeOptionalString(&b, "digestAlgorithm", s.DigestAlgorithm)
	writeOptionalString(&b, "policyDecision", s.PolicyDecision)

	b.WriteString("}\n")
	return []byte(b.String())
}

func writeStringPair(b *strings.Builder, camel, snake, value string) {
	escaped := collector.EscapeString(value)
	b.WriteString(`"` + camel + `": "` + escaped + `", "` + snake + `": "` + escaped + `", `)
}

func writeNumberPair(b *strings.Builder, camel, snake string, value float64) {
	formatted := formatFloat(value)
	b.WriteString(`"` + camel + `": ` + formatted + `, "` + snake + `": ` + formatted + `, `)
}

func writeOptionalString(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(`, "` + key + `": "` + collector.EscapeString(value) + `"`)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteSummary persists a summary to path.
//
// Description:
//
//	Creates parent directories as needed. sourceDirLabel overrides the
//	summary's SourceDirectory when non-empty. Returns false on any I/O
//	failure; never panics.
//
// Inputs:
//   - s: Summary to write.
//   - path: Destination file.
//   - sourceDirLabel: Optional sourceDirectory override for the file.
//
// Outputs:
//   - bool: True when the file was written.
func WriteSummary(s Summary, path, sourceDirLabel string) bool {
	if path == "" {
		return false
	}
	if sourceDirLabel != "" {
		s.SourceDirectory = sourceDirLabel
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Warn("summary directory creation failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	if err := os.WriteFile(path, EncodeSummary(s), 0o644); err != nil {
		slog.Warn("summary write failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

// summaryPayload accepts both halves of every compatibility pair.
// Pointers distinguish absent numerics from zeros so the camel key wins
// only when actually present.
type summaryPayload struct {
	SourceDirCamel string `json:"sourceDirectory"`
	SourceDirSnake string `json:"source_directory"`

	Backend     string `json:"backend"`
	DeviceCamel string `json:"deviceName"`
	DeviceSnake string `json:"device_name"`

	SessionCountCamel *int `json:"sessionCount"`
	SessionCountSnake *int `json:"session_count"`

	MeanCamel *float64 `json:"meanStability"`
	MeanSnake *float64 `json:"mean_stability"`

	VarianceCamel *float64 `json:"variance"`
	VarianceSnake *float64 `json:"stability_variance"`

	DriftCamel *float64 `json:"driftPercentile"`
	DriftSnake *float64 `json:"drift_index"`

	TrustStatus         string `json:"trustStatus"`
	ProvenanceIssuer    string `json:"provenanceIssuer"`
	ProvenanceTimestamp string `json:"provenanceTimestamp"`
	DigestAlgorithm     string `json:"digestAlgorithm"`
	PolicyDecision      string `json:"policyDecision"`
}

// LoadSummary reads a summary file written by WriteSummary or the legacy
// emitter, accepting either key of each compatibility pair.
func LoadSummary(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read summary %s: %w", path, err)
	}

	var p summaryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Summary{}, errors.Join(ErrMalformedSummary, err)
	}

	return Summary{
		SourceDirectory: firstNonEmpty(p.SourceDirCamel, p.SourceDirSnake),
		Backend:         p.Backend,
		DeviceName:      firstNonEmpty(p.DeviceCamel, p.DeviceSnake),
		SessionCount:    pickInt(p.SessionCountCamel, p.SessionCountSnake),
		MeanStability:   pickFloat(p.MeanCamel, p.MeanSnake),
		Variance:        pickFloat(p.VarianceCamel, p.VarianceSnake),
		DriftPercentile: pickFloat(p.DriftCamel, p.DriftSnake),

		TrustStatus:         p.TrustStatus,
		ProvenanceIssuer:    p.ProvenanceIssuer,
		ProvenanceTimestamp: p.ProvenanceTimestamp,
		DigestAlgorithm:     p.DigestAlgorithm,
		PolicyDecision:      p.PolicyDecision,
	}, nil
}

func pickFloat(camel, snake *float64) float64 {
	if camel != nil {
		return *camel
	}
	if snake != nil {
		return *snake
	}
	return 0
}

func pickInt(camel, snake *int) int {
	if camel != nil {
		return *camel
	}
	if snake != nil {
		return *snake
	}
	return 0
}
