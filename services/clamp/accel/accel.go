// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package accel detects compute accelerators and drives the opaque
// round-trip verification call.
//
// Everything here fails open: most environments have no accelerator, and
// a missing device or broken probe must read as "no mismatch detected",
// never as an error that blocks telemetry collection.
package accel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
)

// Environment overrides. Backend and device are checked before device
// nodes; EnvVerifier names the external round-trip binary.
const (
	EnvBackend  = "CLAMP_BACKEND"
	EnvDevice   = "CLAMP_DEVICE"
	EnvVerifier = "CLAMP_VERIFIER"
)

// Detection is the result of an accelerator probe.
type Detection struct {
	Available  bool
	Backend    string
	DeviceName string
}

// Detect probes for an accelerator.
//
// Description:
//
//	CLAMP_BACKEND/CLAMP_DEVICE override everything, letting CI pin the
//	identity without hardware. Otherwise the ROCm and NVIDIA device nodes
//	are checked. No accelerator yields a zero Detection, which is not an
//	error condition.
func Detect() Detection {
	if backend := os.Getenv(EnvBackend); backend != "" {
		device := os.Getenv(EnvDevice)
		if device == "" {
			device = "unspecified"
		}
		return Detection{Available: true, Backend: backend, DeviceName: device}
	}

	if nodeExists("/dev/kfd") {
		return Detection{Available: true, Backend: "HIP", DeviceName: deviceOr("amdgpu")}
	}
	if nodeExists("/dev/nvidiactl") || nodeExists("/dev/nvidia0") {
		return Detection{Available: true, Backend: "CUDA", DeviceName: deviceOr("nvidia")}
	}
	return Detection{}
}

func nodeExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func deviceOr(fallback string) string {
	if device := os.Getenv(EnvDevice); device != "" {
		return device
	}
	return fallback
}

// ApplyTo stamps the detected identity onto a collector.
//
// Description:
//
//	Uses EnsureBackendTag, so an identity set earlier wins and records
//	already stored are backfilled when the tag does land. No-op for an
//	unavailable detection.
func (d Detection) ApplyTo(c *collector.Collector) {
	if !d.Available || c == nil {
		return
	}
	c.EnsureBackendTag(d.Backend, d.DeviceName)
}

// verifyPayload is the JSON handed to the external verifier on stdin.
type verifyPayload struct {
	Seeds  []uint64 `json:"seeds"`
	States []int    `json:"states"`
}

// Verifier runs the accelerator round-trip check.
//
// # Description
//
// The device kernel itself lives outside this module; when a verifier
// command is configured it receives the seeds and anchor states as JSON
// on stdin and exits zero when the device round trip reproduced them.
// Without a command, or when the command cannot run, verification passes.
type Verifier struct {
	log       *slog.Logger
	detection Detection
	command   string
	probed    bool
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// WithDetection pins a detection instead of probing the environment.
func WithDetection(d Detection) VerifierOption {
	return func(v *Verifier) {
		v.detection = d
		v.probed = true
	}
}

// WithCommand sets the external verifier binary.
func WithCommand(path string) VerifierOption {
	return func(v *Verifier) {
		v.command = path
	}
}

// NewVerifier builds a Verifier, probing the environment unless a
// detection is supplied.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	if !v.probed {
		v.detection = Detect()
	}
	return v
}

// Detection returns the verifier's accelerator identity.
func (v *Verifier) Detection() Detection {
	return v.detection
}

// Verify runs the round-trip check over the recorded seeds and states.
//
// Description:
//
//	Fail-open on every infrastructure path: no accelerator, no verifier
//	command, or a command that cannot start all return true. The only
//	false is a verifier that ran to completion and reported a mismatch
//	via a non-zero exit.
//
// Inputs:
//   - ctx: Bounds the external command.
//   - seeds: Entropy seeds from the recorded acquisitions.
//   - states: Anchor state codes matching the seeds.
//
// Outputs:
//   - bool: False only on a confirmed device mismatch.
//
// Thread Safety: Safe for concurrent use.
func (v *Verifier) Verify(ctx context.Context, seeds []uint64, states []int) bool {
	if !v.detection.Available {
		v.log.Debug("no accelerator detected, verification passes open")
		return true
	}
	if v.command == "" {
		return true
	}

	payload, err := json.Marshal(verifyPayload{Seeds: seeds, States: states})
	if err != nil {
		return true
	}

	cmd := exec.CommandContext(ctx, v.command)
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			v.log.Warn("accelerator verification reported a mismatch",
				slog.String("backend", v.detection.Backend),
				slog.Int("exit_code", exitErr.ExitCode()))
			return false
		}
		v.log.Debug("accelerator verifier could not run, failing open",
			slog.String("command", v.command),
			slog.String("error", err.Error()))
		return true
	}
	return true
}
