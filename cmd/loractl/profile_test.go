// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestProfileList(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "profile", "list"); err != nil {
		t.Fatalf("profile list: %v", err)
	}
	for _, want := range []string{"fast", "final", "Learning rate"} {
		if !strings.Contains(h.stdout.String(), want) {
			t.Errorf("list missing %q:\n%s", want, h.stdout.String())
		}
	}
}

func TestProfileShow_Sources(t *testing.T) {
	h := newHarness(t)
	h.env = []string{"RANK=48"}
	if err := h.run(t, "profile", "show", "final", "--set", "seed=7", "--format", "json"); err != nil {
		t.Fatalf("profile show: %v", err)
	}
	var res struct {
		Profile string            `json:"profile"`
		Sources map[string]string `json:"sources"`
		Params  map[string]any    `json:"params"`
	}
	if err := json.Unmarshal(h.stdout.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	tests := []struct {
		key, source string
	}{
		{"network_dim", "env"},
		{"network_alpha", "env"},
		{"seed", "flag"},
		{"learning_rate", "default"},
	}
	for _, tt := range tests {
		if got := res.Sources[tt.key]; got != tt.source {
			t.Errorf("source of %s = %q, want %q", tt.key, got, tt.source)
		}
	}
	if res.Params["seed"] != float64(7) {
		t.Errorf("seed = %v", res.Params["seed"])
	}
}

func TestProfileShow_Table(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "profile", "show"); err != nil {
		t.Fatalf("profile show: %v", err)
	}
	out := h.stdout.String()
	if !strings.Contains(out, "Profile fast") || !strings.Contains(out, "network_dim") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "built-in fast profile") {
		t.Errorf("origin legend missing:\n%s", out)
	}
}

func TestProfileDiff(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "profile", "diff", "--builtin"); err != nil {
		t.Fatalf("profile diff: %v", err)
	}
	out := h.stdout.String()
	if !strings.Contains(out, "fast") || !strings.Contains(out, "final") {
		t.Errorf("diff headers missing:\n%s", out)
	}
	if !strings.Contains(out, "max_train_steps") {
		t.Errorf("diff should show max_train_steps:\n%s", out)
	}

	h.stdout.Reset()
	if err := h.run(t, "profile", "diff", "fast", "fast"); err != nil {
		t.Fatalf("profile diff: %v", err)
	}
	if !strings.Contains(h.stdout.String(), "no differences") {
		t.Errorf("output = %s", h.stdout.String())
	}
}
