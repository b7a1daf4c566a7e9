// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"strings"
	"testing"

	"github.com/loractl/loractl/internal/issue"
)

func TestHints(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "hints", "--table"); err != nil {
		t.Fatalf("hints: %v", err)
	}
	for _, i := range issue.Values() {
		if !strings.Contains(h.stdout.String(), i.Title()) {
			t.Errorf("table missing %q", i.Title())
		}
	}
}

func TestHints_Filter(t *testing.T) {
	h := newHarness(t)
	if err := h.run(t, "hints", "memory"); err != nil {
		t.Fatalf("hints memory: %v", err)
	}
	out := h.stdout.String()
	if !strings.Contains(out, issue.Get(issue.OutOfMemoryId).Title()) {
		t.Errorf("output missing the memory entry:\n%s", out)
	}
	if strings.Contains(out, issue.Get(issue.AlphaMismatchId).Title()) {
		t.Errorf("filter should exclude unrelated entries:\n%s", out)
	}

	if err := newHarness(t).run(t, "hints", "no-such-thing"); err == nil {
		t.Error("expected an error for a filter without matches")
	}
}

func TestMatchIssues(t *testing.T) {
	tests := []struct {
		words []string
		want  []issue.Id
	}{
		{nil, nil},
		{[]string{"ALPHA"}, []issue.Id{issue.AlphaMismatchId}},
		{[]string{"out", "memory"}, []issue.Id{issue.OutOfMemoryId}},
		{[]string{"nothing"}, nil},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.words, "_"), func(t *testing.T) {
			got := matchIssues(tt.words)
			if len(got) != len(tt.want) {
				t.Fatalf("matchIssues(%v) = %v, want %v", tt.words, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("matchIssues(%v)[%d] = %v, want %v", tt.words, i, got[i], tt.want[i])
				}
			}
		})
	}
}
