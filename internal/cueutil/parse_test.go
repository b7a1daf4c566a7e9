// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"strings"
	"testing"
)

const testSchema = `
#Settings: {
	name:   string
	steps:  int & >0
	ratio?: float & >=0 & <1
}
`

type settings struct {
	Name  string  `json:"name"`
	Steps int     `json:"steps"`
	Ratio float64 `json:"ratio,omitempty"`
}

func TestDecode(t *testing.T) {
	t.Run("valid input", func(t *testing.T) {
		got, err := Decode[settings]([]byte(testSchema), []byte(`name: "fast", steps: 1500`), "#Settings")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.Name != "fast" || got.Steps != 1500 {
			t.Errorf("Decode() = %+v", got)
		}
	})

	t.Run("constraint violation names the field", func(t *testing.T) {
		_, err := Decode[settings]([]byte(testSchema), []byte(`name: "fast", steps: 0`), "#Settings", WithFilename("p.cue"))
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "p.cue") || !strings.Contains(err.Error(), "steps") {
			t.Errorf("error = %q, want file and field", err)
		}
	})

	t.Run("size limit", func(t *testing.T) {
		_, err := Decode[settings]([]byte(testSchema), []byte(`name: "x", steps: 1`), "#Settings", WithMaxFileSize(4))
		if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
			t.Errorf("error = %v, want size error", err)
		}
	})

	t.Run("missing definition", func(t *testing.T) {
		_, err := Decode[settings]([]byte(testSchema), []byte(`name: "x"`), "#Nope")
		if err == nil || !strings.Contains(err.Error(), "internal error") {
			t.Errorf("error = %v, want internal error", err)
		}
	})
}

func TestDecodeValue(t *testing.T) {
	got, err := DecodeValue[settings]([]byte(testSchema), map[string]any{"name": "final", "steps": int64(2500), "ratio": 0.1}, "#Settings")
	if err != nil {
		t.Fatalf("DecodeValue() error = %v", err)
	}
	if got.Steps != 2500 || got.Ratio != 0.1 {
		t.Errorf("DecodeValue() = %+v", got)
	}

	_, err = DecodeValue[settings]([]byte(testSchema), map[string]any{"name": "final", "steps": int64(1), "ratio": 1.5}, "#Settings", WithFilename("flux_final.toml"))
	if err == nil || !strings.Contains(err.Error(), "ratio") {
		t.Errorf("error = %v, want ratio violation", err)
	}
}

func TestFormatPath(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"network"}, "network"},
		{[]string{"runs", "0", "name"}, "runs[0].name"},
	}
	for _, tt := range tests {
		if got := formatPath(tt.in); got != tt.want {
			t.Errorf("formatPath(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
