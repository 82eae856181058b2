// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
)

// writeReport renders the comparison report JSON.
//
// Description:
//
//	Deterministic hand emission, same discipline as the summary codec. A
//	non-finite varianceRatio (zero-variance baseline against a drifting
//	candidate) renders as null since JSON has no infinity literal.
func writeReport(result Result, path string, log *slog.Logger) bool {
	baseline, ok := result.Baseline()
	if !ok {
		return false
	}

	var b strings.Builder
	b.WriteString(`{"baseline": `)
	writeBaselineJSON(&b, baseline)
	b.WriteString(`, "entries": [`)
	for i := range result.Entries {
		if i > 0 {
			b.WriteString(", ")
		}
		writeEntryJSON(&b, &result.Entries[i])
	}
	b.WriteString("]}\n")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn("comparison report directory creation failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		log.Warn("comparison report write failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

func writeBaselineJSON(b *strings.Builder, e Entry) {
	b.WriteString("{")
	b.WriteString(`"backend": "` + collector.EscapeString(e.Summary.Backend) + `", `)
	b.WriteString(`"deviceName": "` + collector.EscapeString(e.Summary.DeviceName) + `", `)
	b.WriteString(`"meanStability": ` + formatFloat(e.Summary.MeanStability) + `, `)
	b.WriteString(`"variance": ` + formatFloat(e.Summary.Variance) + `, `)
	b.WriteString(`"driftPercentile": ` + formatFloat(e.Summary.DriftPercentile))
	b.WriteString("}")
}

func writeEntryJSON(b *strings.Builder, e *Entry) {
	b.WriteString("{")
	b.WriteString(`"path": "` + collector.EscapeString(e.Path) + `", `)
	b.WriteString(`"backend": "` + collector.EscapeString(e.Summary.Backend) + `", `)
	b.WriteString(`"deviceName": "` + collector.EscapeString(e.Summary.DeviceName) + `", `)
	b.WriteString(`"meanStability": ` + formatFloat(e.Summary.MeanStability) + `, `)
	b.WriteString(`"variance": ` + formatFloat(e.Summary.Variance) + `, `)
	b.WriteString(`"driftPercentile": ` + formatFloat(e.Summary.DriftPercentile) + `, `)
	b.WriteString(`"meanDelta": ` + formatFloat(e.MeanDelta) + `, `)
	b.WriteString(`"driftSkew": ` + formatFloat(e.DriftSkew) + `, `)
	b.WriteString(`"varianceRatio": ` + formatFiniteFloat(e.VarianceRatio) + `, `)
	b.WriteString(`"driftSignificant": ` + strconv.FormatBool(e.DriftSignificant))
	b.WriteString("}")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatFiniteFloat(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "null"
	}
	return formatFloat(v)
}
