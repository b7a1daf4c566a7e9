// SPDX-License-Identifier: MPL-2.0

package logparse

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantOK    bool
		wantStep  int
		wantTotal int
		wantLoss  float64
		hasLoss   bool
	}{
		{
			name:      "progress with avr_loss",
			line:      "steps:  10%|█         | 150/1500 [02:31<22:41,  1.01s/it, avr_loss=0.234]",
			wantOK:    true,
			wantStep:  150,
			wantTotal: 1500,
			wantLoss:  0.234,
			hasLoss:   true,
		},
		{
			name:      "minimal progress bracket",
			line:      "150/1500 [ avr_loss=0.234",
			wantOK:    true,
			wantStep:  150,
			wantTotal: 1500,
			wantLoss:  0.234,
			hasLoss:   true,
		},
		{
			name:      "progress without loss",
			line:      "steps:   0%|          | 0/2500 [00:00<?, ?it/s]",
			wantOK:    true,
			wantStep:  0,
			wantTotal: 2500,
		},
		{
			name:     "scientific loss",
			line:     "epoch 1 avr_loss=1.5e-02",
			wantOK:   true,
			wantLoss: 0.015,
			hasLoss:  true,
		},
		{
			name:   "fraction without bracket is ignored",
			line:   "loaded 3/10 files",
			wantOK: false,
		},
		{
			name:   "plain text",
			line:   "prepare optimizer, data loader etc.",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := ParseLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ParseLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if u.Step != tt.wantStep || u.Total != tt.wantTotal {
				t.Errorf("step/total = %d/%d, want %d/%d", u.Step, u.Total, tt.wantStep, tt.wantTotal)
			}
			if u.HasLoss != tt.hasLoss {
				t.Fatalf("HasLoss = %v, want %v", u.HasLoss, tt.hasLoss)
			}
			if tt.hasLoss && math.Abs(u.Loss-tt.wantLoss) > 1e-9 {
				t.Errorf("Loss = %v, want %v", u.Loss, tt.wantLoss)
			}
		})
	}
}

func TestParseLine_Timing(t *testing.T) {
	u, ok := ParseLine("steps:  10%| | 150/1500 [02:31<22:41,  1.01s/it, avr_loss=0.234]")
	if !ok {
		t.Fatal("expected a match")
	}
	if u.Elapsed != "02:31" || u.ETA != "22:41" {
		t.Errorf("Elapsed/ETA = %q/%q, want 02:31/22:41", u.Elapsed, u.ETA)
	}
}

func TestParseLine_Symptoms(t *testing.T) {
	tests := []struct {
		line string
		want Symptom
	}{
		{"torch.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB", SymptomOOM},
		{"steps: 5%| | 75/1500 [01:00<19:00, avr_loss=nan]", SymptomNaN},
		{"FileNotFoundError: [Errno 2] No such file or directory: 'ae.safetensors'", SymptomMissingFile},
		{"Traceback (most recent call last):", SymptomTraceback},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			u, ok := ParseLine(tt.line)
			if !ok {
				t.Fatalf("ParseLine(%q) found nothing", tt.line)
			}
			if !containsSymptom(u.Symptoms, tt.want) {
				t.Errorf("Symptoms = %v, want to contain %q", u.Symptoms, tt.want)
			}
		})
	}
}

func TestScan_KeepsMostRecentValues(t *testing.T) {
	log := strings.Join([]string{
		"loading model",
		"steps:   1%| | 15/1500 [00:15<25:00, 1.0s/it, avr_loss=0.51]",
		"steps:   5%| | 75/1500 [01:15<23:45, 1.0s/it, avr_loss=0.42]\rsteps:  10%| | 150/1500 [02:31<22:41, 1.0s/it, avr_loss=0.234]",
		"saving checkpoint: /out/run-000150.safetensors",
	}, "\n")

	st := ScanBytes([]byte(log))
	if st.Step != 150 || st.Total != 1500 {
		t.Errorf("Step/Total = %d/%d, want 150/1500", st.Step, st.Total)
	}
	if !st.HasLoss || math.Abs(st.Loss-0.234) > 1e-9 {
		t.Errorf("Loss = %v (has=%v), want 0.234", st.Loss, st.HasLoss)
	}
	if st.LastLine != "saving checkpoint: /out/run-000150.safetensors" {
		t.Errorf("LastLine = %q", st.LastLine)
	}
	if got := st.Fraction(); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("Fraction() = %v, want 0.1", got)
	}
	if st.Done() {
		t.Error("Done() = true, want false")
	}
}

func TestState_FractionUnknownTotal(t *testing.T) {
	var st State
	if st.Fraction() != 0 {
		t.Errorf("Fraction() = %v, want 0", st.Fraction())
	}
}

func TestTail_DropsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.log")
	content := "first line that is long\nsecond\nthird\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := Tail(path, int64(len("second\nthird\n")+3))
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if string(data) != "second\nthird\n" {
		t.Errorf("Tail() = %q, want %q", data, "second\nthird\n")
	}

	all, err := Tail(path, 1<<20)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if string(all) != content {
		t.Errorf("Tail() full = %q, want %q", all, content)
	}
}

func TestScanFile_Missing(t *testing.T) {
	_, err := ScanFile(filepath.Join(t.TempDir(), "nope.log"), 0)
	if !os.IsNotExist(err) {
		t.Errorf("ScanFile() error = %v, want not-exist", err)
	}
}
