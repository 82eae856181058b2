// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package accel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianClamp/services/clamp/collector"
)

func TestDetectEnvOverride(t *testing.T) {
	t.Setenv(EnvBackend, "HIP")
	t.Setenv(EnvDevice, "gfx1100")

	d := Detect()
	assert.True(t, d.Available)
	assert.Equal(t, "HIP", d.Backend)
	assert.Equal(t, "gfx1100", d.DeviceName)
}

func TestDetectEnvOverrideWithoutDevice(t *testing.T) {
	t.Setenv(EnvBackend, "CUDA")
	t.Setenv(EnvDevice, "")

	d := Detect()
	assert.True(t, d.Available)
	assert.Equal(t, "unspecified", d.DeviceName)
}

func TestApplyTo(t *testing.T) {
	c := collector.New()
	id := c.RecordAcquire("section", 42)
	c.RecordRelease(id, "section", 42, 1.0)

	Detection{Available: true, Backend: "HIP", DeviceName: "gfx1100"}.ApplyTo(c)

	records := c.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "HIP", records[0].Backend, "existing records are backfilled")
	assert.Equal(t, "gfx1100", records[0].DeviceName)

	// A later detection must not override the established identity.
	Detection{Available: true, Backend: "CUDA", DeviceName: "nvidia"}.ApplyTo(c)
	assert.Equal(t, "HIP", c.Snapshot()[0].Backend)

	Detection{}.ApplyTo(c)
	Detection{Available: true, Backend: "X"}.ApplyTo(nil)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verifier.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestVerifyFailsOpenWithoutAccelerator(t *testing.T) {
	v := NewVerifier(WithDetection(Detection{}))
	assert.True(t, v.Verify(context.Background(), []uint64{1, 2}, []int{1, 1}))
}

func TestVerifyFailsOpenWithoutCommand(t *testing.T) {
	v := NewVerifier(WithDetection(Detection{Available: true, Backend: "HIP"}))
	assert.True(t, v.Verify(context.Background(), []uint64{1}, []int{1}))
}

func TestVerifyRunsCommand(t *testing.T) {
	hip := Detection{Available: true, Backend: "HIP", DeviceName: "gfx1100"}

	t.Run("clean round trip", func(t *testing.T) {
		script := writeScript(t, "cat > /dev/null; exit 0")
		v := NewVerifier(WithDetection(hip), WithCommand(script))
		assert.True(t, v.Verify(context.Background(), []uint64{7, 8}, []int{1, 3}))
	})

	t.Run("reported mismatch", func(t *testing.T) {
		script := writeScript(t, "cat > /dev/null; exit 3")
		v := NewVerifier(WithDetection(hip), WithCommand(script))
		assert.False(t, v.Verify(context.Background(), []uint64{7, 8}, []int{1, 3}))
	})

	t.Run("missing verifier fails open", func(t *testing.T) {
		v := NewVerifier(WithDetection(hip), WithCommand(filepath.Join(t.TempDir(), "absent")))
		assert.True(t, v.Verify(context.Background(), []uint64{7}, []int{1}))
	})
}

func TestVerifierDetectionAccessor(t *testing.T) {
	hip := Detection{Available: true, Backend: "HIP", DeviceName: "gfx1100"}
	assert.Equal(t, hip, NewVerifier(WithDetection(hip)).Detection())
}
