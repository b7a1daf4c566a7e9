// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loractl/loractl/internal/testutil"
)

func TestLatestRunLog(t *testing.T) {
	dir := t.TempDir()
	if _, err := latestRunLog(dir); err == nil {
		t.Fatal("expected an error when no run has a log")
	}

	older := filepath.Join(dir, "flux_fast_older", TrainLogFile)
	newer := filepath.Join(dir, "flux_fast_newer", TrainLogFile)
	testutil.MustWriteFile(t, older, "x\n")
	testutil.MustWriteFile(t, newer, "x\n")
	testutil.MustMkdirAll(t, filepath.Join(dir, "no_log"), 0o755)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	got, err := latestRunLog(dir)
	if err != nil {
		t.Fatalf("latestRunLog: %v", err)
	}
	if got != newer {
		t.Errorf("latestRunLog() = %q, want %q", got, newer)
	}

	if _, err := latestRunLog(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected an error for a missing log directory")
	}
}

func TestDashboard_PlainCompletedRun(t *testing.T) {
	h := newHarness(t)
	logPath := filepath.Join(h.ws.LogDir, "flux_fast_done", TrainLogFile)
	testutil.MustWriteFile(t, logPath, "steps: 100%|██████████| 50/50 [01:40<00:00, avr_loss=0.0871]\n")

	if err := h.run(t, "dashboard", "--plain"); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if !strings.Contains(h.stdout.String(), "training complete") {
		t.Errorf("output = %s", h.stdout.String())
	}
}

func TestDashboard_UntilExitWithoutTrainer(t *testing.T) {
	h := newHarness(t)
	runDir := filepath.Join(h.ws.LogDir, "flux_fast_stale")
	testutil.MustWriteFile(t, filepath.Join(runDir, TrainLogFile), "steps:  10%|█         | 5/50 [00:10<01:30, avr_loss=0.2]\n")
	// A pid that cannot belong to a live process.
	testutil.MustWriteFile(t, filepath.Join(runDir, PIDFile), "2147483646\n")

	if err := h.run(t, "dashboard", "--log", filepath.Join(runDir, TrainLogFile), "--until-exit", "--interval", "10ms"); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if !strings.Contains(h.stdout.String(), "trainer exited") {
		t.Errorf("output = %s", h.stdout.String())
	}
}
