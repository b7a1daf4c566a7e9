// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"
	"strings"
	"testing"

	"github.com/loractl/loractl/internal/logparse"
)

func TestId_Constants(t *testing.T) {
	if NumericalInstabilityId != 1 {
		t.Errorf("NumericalInstabilityId = %d, want 1", NumericalInstabilityId)
	}
	for id := NumericalInstabilityId; id <= AlphaMismatchId; id++ {
		if Get(id) == nil {
			t.Errorf("Get(%d) returned nil", id)
		}
	}
}

func TestValues_OrderedAndComplete(t *testing.T) {
	vals := Values()
	if len(vals) != int(AlphaMismatchId) {
		t.Fatalf("len(Values()) = %d, want %d", len(vals), AlphaMismatchId)
	}
	for n, i := range vals {
		if i.Id() != Id(n+1) {
			t.Errorf("Values()[%d].Id() = %d, want %d", n, i.Id(), n+1)
		}
		if i.Title() == "" || i.Symptom() == "" || i.MarkdownMsg() == "" {
			t.Errorf("issue %d has empty content", i.Id())
		}
		if len(i.Fixes()) == 0 {
			t.Errorf("issue %d has no fixes", i.Id())
		}
	}
}

func TestIssue_Render(t *testing.T) {
	originalRender := render
	defer func() { render = originalRender }()

	var got string
	render = func(in, _ string) (string, error) {
		got = in
		return "rendered", nil
	}

	out, err := Get(OutOfMemoryId).Render("dark")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "rendered" {
		t.Errorf("Render() = %q", out)
	}
	if !strings.Contains(got, "## Suggested changes") || !strings.Contains(got, "| `FP8_BASE` | 1 |") {
		t.Errorf("markdown missing fixes table:\n%s", got)
	}
}

func TestAllIssuesAreRenderable(t *testing.T) {
	for _, i := range Values() {
		if _, err := i.Render("notty"); err != nil {
			t.Errorf("Render(%d) error = %v", i.Id(), err)
		}
	}
}

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name     string
		symptoms []logparse.Symptom
		want     []Id
	}{
		{"none", nil, nil},
		{"nan", []logparse.Symptom{logparse.SymptomNaN}, []Id{NumericalInstabilityId}},
		{
			"oom with traceback",
			[]logparse.Symptom{logparse.SymptomTraceback, logparse.SymptomOOM},
			[]Id{OutOfMemoryId},
		},
		{"traceback only", []logparse.Symptom{logparse.SymptomTraceback}, []Id{TrainerFailedId}},
		{
			"missing file and nan",
			[]logparse.Symptom{logparse.SymptomMissingFile, logparse.SymptomNaN},
			[]Id{NumericalInstabilityId, ModelFilesMissingId},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diagnose(logparse.State{Symptoms: tt.symptoms})
			if !slices.Equal(got, tt.want) {
				t.Errorf("Diagnose() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHintTable(t *testing.T) {
	full := HintTable(nil)
	for _, i := range Values() {
		if !strings.Contains(full, i.Title()) {
			t.Errorf("full table missing %q", i.Title())
		}
	}

	only := HintTable([]Id{NumericalInstabilityId})
	if !strings.Contains(only, "LEARNING_RATE") {
		t.Errorf("table missing LEARNING_RATE:\n%s", only)
	}
	if strings.Contains(only, "FP8_BASE") {
		t.Errorf("table for NaN should not list OOM fixes:\n%s", only)
	}
}
