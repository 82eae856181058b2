// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provenance reads externally produced build-record metadata.
// The record is written by the build pipeline, never by this module;
// readers treat it as optional enrichment.
package provenance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

// RecordFileName is the build record's name under <root>/build/.
const RecordFileName = "build_record.json"

// Trust status values surfaced into summaries.
const (
	TrustValid    = "valid"
	TrustUnsigned = "unsigned"
	TrustUnknown  = "unknown"
)

// Record mirrors the build pipeline's provenance JSON.
type Record struct {
	Image      string `json:"image"`
	Digest     string `json:"digest"`
	ResolvedAt string `json:"resolved_at"`
	PolicyMode string `json:"policy_mode"`
	Signer     string `json:"signer"`
}

// Load reads the canonical record under root. The second return is false
// when the record is absent or malformed; callers proceed without
// enrichment in that case.
func Load(root string) (Record, bool) {
	return LoadFile(filepath.Join(root, "build", RecordFileName))
}

// LoadFile reads a record from an explicit path.
func LoadFile(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// TrustStatus classifies the record.
// A signed digest is valid; an unsigned but resolved record is unsigned;
// anything else is unknown.
func (r Record) TrustStatus() string {
	switch {
	case r.Signer != "" && r.Digest != "":
		return TrustValid
	case r.Digest != "" || r.Image != "":
		return TrustUnsigned
	default:
		return TrustUnknown
	}
}

// DigestAlgorithm returns the algorithm prefix of the digest, such as
// "sha256" from "sha256:ab12...". Empty when the digest carries none.
func (r Record) DigestAlgorithm() string {
	idx := strings.Index(r.Digest, ":")
	if idx <= 0 {
		return ""
	}
	return r.Digest[:idx]
}

// ImageVersion extracts the image tag, empty when the reference is
// untagged. A colon inside the registry host (port) is not a tag.
func (r Record) ImageVersion() string {
	slash := strings.LastIndex(r.Image, "/")
	colon := strings.LastIndex(r.Image, ":")
	if colon <= slash {
		return ""
	}
	return r.Image[colon+1:]
}

// SatisfiesMinimum reports whether the image tag is a semantic version at
// or above min. Untagged or non-semver images never satisfy a minimum.
func (r Record) SatisfiesMinimum(min string) bool {
	v := canonicalSemver(r.ImageVersion())
	m := canonicalSemver(min)
	if !semver.IsValid(v) || !semver.IsValid(m) {
		return false
	}
	return semver.Compare(v, m) >= 0
}

func canonicalSemver(v string) string {
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
