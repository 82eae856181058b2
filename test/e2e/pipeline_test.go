package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clampCmd prepares a CLI invocation rooted in dir with an isolated config,
// so the suite never touches ~/.clamp.
func clampCmd(dir string, args ...string) *exec.Cmd {
	base := []string{"--config", filepath.Join(dir, "clamp.yaml"), "--root", dir}
	return exec.Command(cliBinary, append(base, args...)...)
}

// recordSmallSession records one fast session into root and returns the
// CLI output.
func recordSmallSession(t *testing.T, root string) string {
	t.Helper()
	cmd := clampCmd(root, "record", "--sessions", "1", "--iterations", "24", "--workers", "2", "--jitter-ms", "0")

	// Timeout safety
	timer := time.AfterFunc(60*time.Second, func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})
	defer timer.Stop()

	outBytes, err := cmd.CombinedOutput()
	output := string(outBytes)
	if err != nil {
		t.Fatalf("record failed: %v\nOutput: %s", err, output)
	}
	return output
}

// TestPipeline_RecordAccumulateInspect walks the happy path from a fresh
// root to an inspectable summary.
func TestPipeline_RecordAccumulateInspect(t *testing.T) {
	// 1. Record
	root := t.TempDir()
	output := recordSmallSession(t, root)
	if !strings.Contains(output, "Recording 1 session(s)") {
		t.Errorf("record did not announce the session:\n%s", output)
	}
	if !strings.Contains(output, "Telemetry written to") {
		t.Errorf("record did not report the telemetry dir:\n%s", output)
	}

	// 2. Accumulate
	outBytes, err := clampCmd(root, "accumulate", "--no-archive").CombinedOutput()
	output = string(outBytes)
	if err != nil {
		t.Fatalf("accumulate failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Summary written to") {
		t.Errorf("accumulate did not report the summary path:\n%s", output)
	}
	if !strings.Contains(output, "Stability:") {
		t.Errorf("accumulate did not print the summary block:\n%s", output)
	}

	// 3. The summary file carries both key spellings
	data, err := os.ReadFile(filepath.Join(root, "build", "telemetry_summary.json"))
	if err != nil {
		t.Fatalf("summary file missing: %v", err)
	}
	for _, key := range []string{"meanStability", "mean_stability", "backend", "sessionCount"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("summary is missing key %q:\n%s", key, data)
		}
	}

	// 4. Inspect reads it back
	outBytes, err = clampCmd(root, "inspect", "summary").CombinedOutput()
	output = string(outBytes)
	if err != nil {
		t.Fatalf("inspect summary failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Backend:") || !strings.Contains(output, "Sessions:") {
		t.Errorf("inspect summary output incomplete:\n%s", output)
	}

	outBytes, err = clampCmd(root, "inspect", "sessions").CombinedOutput()
	output = string(outBytes)
	if err != nil {
		t.Fatalf("inspect sessions failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "session file(s)") {
		t.Errorf("inspect sessions output incomplete:\n%s", output)
	} else {
		t.Log("✅ record/accumulate/inspect pipeline passed")
	}
}

// TestCompare_IdenticalSummariesPassGate compares a summary against a copy
// of itself and expects a clean gate.
func TestCompare_IdenticalSummariesPassGate(t *testing.T) {
	// 1. Build one real summary
	root := t.TempDir()
	recordSmallSession(t, root)
	if out, err := clampCmd(root, "accumulate", "--no-archive").CombinedOutput(); err != nil {
		t.Fatalf("accumulate failed: %v\nOutput: %s", err, out)
	}

	// 2. Duplicate it as baseline and candidate
	summary, err := os.ReadFile(filepath.Join(root, "build", "telemetry_summary.json"))
	if err != nil {
		t.Fatalf("summary file missing: %v", err)
	}
	baselinePath := filepath.Join(root, "baseline.json")
	candidatePath := filepath.Join(root, "candidate.json")
	os.WriteFile(baselinePath, summary, 0644)
	os.WriteFile(candidatePath, summary, 0644)

	// 3. Compare and gate
	reportPath := filepath.Join(root, "comparison.json")
	outBytes, err := clampCmd(root, "compare", reportPath, baselinePath, candidatePath).CombinedOutput()
	output := string(outBytes)
	if err != nil {
		t.Fatalf("compare failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Baseline:") {
		t.Errorf("compare did not print the baseline line:\n%s", output)
	}
	if !strings.Contains(output, "Gate: PASS") {
		t.Errorf("identical summaries should pass the gate:\n%s", output)
	}
	if _, err := os.Stat(reportPath); err != nil {
		t.Errorf("comparison report was not written: %v", err)
	}
}

// TestCompare_MissingInputsExitNonZero gives the comparator nothing it can
// load and expects a CI-blocking exit code.
func TestCompare_MissingInputsExitNonZero(t *testing.T) {
	root := t.TempDir()
	reportPath := filepath.Join(root, "comparison.json")
	outBytes, err := clampCmd(root, "compare", reportPath,
		filepath.Join(root, "absent_a.json"), filepath.Join(root, "absent_b.json")).CombinedOutput()
	if err == nil {
		t.Fatalf("compare should exit non-zero when nothing can be loaded:\n%s", outBytes)
	}
	if !strings.Contains(string(outBytes), "could be loaded") {
		t.Errorf("unexpected failure output:\n%s", outBytes)
	}
}

// TestTrend_ArchiveRoundTrip accumulates into the Badger archive and reads
// the trend back out of it.
func TestTrend_ArchiveRoundTrip(t *testing.T) {
	// 1. Accumulate with the archive enabled
	root := t.TempDir()
	recordSmallSession(t, root)
	outBytes, err := clampCmd(root, "accumulate").CombinedOutput()
	output := string(outBytes)
	if err != nil {
		t.Fatalf("accumulate failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Summary archived to") {
		t.Errorf("accumulate did not archive:\n%s", output)
	}

	// 2. The archive feeds the trend command
	outBytes, err = clampCmd(root, "trend", "--since", "1h").CombinedOutput()
	output = string(outBytes)
	if err != nil {
		t.Fatalf("trend failed: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(output, "Trend over 1 observation(s): stable") {
		t.Errorf("trend did not report the single stable observation:\n%s", output)
	}
	if !strings.Contains(output, "No alerts.") {
		t.Errorf("a single healthy observation should raise no alerts:\n%s", output)
	}
}
