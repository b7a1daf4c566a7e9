// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loractl/loractl/internal/testutil"
)

func TestInit_ScaffoldsWorkspace(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "init", "--yes", "--trigger", "sks"); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, name := range []string{"flux_fast.toml", "flux_final.toml"} {
		data := testutil.MustReadFile(t, filepath.Join(h.ws.Root, "configs", name))
		if !strings.Contains(data, "[network]") || !strings.Contains(data, "[training]") {
			t.Errorf("%s missing required sections:\n%s", name, data)
		}
	}
	prompts := testutil.MustReadFile(t, h.ws.SamplePrompts)
	if strings.Count(prompts, "sks") != 4 {
		t.Errorf("sample prompts should name the trigger token:\n%s", prompts)
	}
	if !strings.Contains(h.stdout.String(), "created") {
		t.Errorf("output = %s", h.stdout.String())
	}
}

func TestInit_KeepsExistingFiles(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.ws.Root, "configs", "flux_fast.toml")
	testutil.MustWriteFile(t, path, "# mine\n[network]\n[training]\n")

	if err := h.run(t, "init", "-y"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := testutil.MustReadFile(t, path); got != "# mine\n[network]\n[training]\n" {
		t.Errorf("existing file overwritten:\n%s", got)
	}

	if err := h.run(t, "init", "-y", "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	if got := testutil.MustReadFile(t, path); strings.HasPrefix(got, "# mine") {
		t.Error("--force should overwrite the file")
	}
}

func TestAudit_ScaffoldedWorkspacePasses(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "init", "--yes"); err != nil {
		t.Fatalf("init: %v", err)
	}
	h.stdout.Reset()

	if err := h.run(t, "audit", "--drift"); err != nil {
		t.Fatalf("audit of a scaffolded workspace: %v\n%s", err, h.stdout.String())
	}
	if !strings.Contains(h.stdout.String(), "0 failed") {
		t.Errorf("summary = %s", h.stdout.String())
	}
}

func TestAudit_MissingFilesFail(t *testing.T) {
	h := newHarness(t)
	err := h.run(t, "audit", "--format", "json")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("err = %v, want exit code 1", err)
	}
	var report struct {
		Profiles []struct {
			Profile  string `json:"profile"`
			Findings []struct {
				Level string `json:"level"`
				Check string `json:"check"`
			} `json:"findings"`
		} `json:"profiles"`
	}
	if err := json.Unmarshal(h.stdout.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(report.Profiles) != 2 {
		t.Fatalf("audited %d profiles, want 2", len(report.Profiles))
	}
	for _, p := range report.Profiles {
		failed := false
		for _, f := range p.Findings {
			if f.Level == "FAIL" && f.Check == "toml" {
				failed = true
			}
		}
		if !failed {
			t.Errorf("profile %s: missing file not reported", p.Profile)
		}
	}
}
