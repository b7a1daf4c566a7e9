// SPDX-License-Identifier: MPL-2.0

package repro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loractl/loractl/internal/profile"
)

// Artifact file names inside a run's log directory.
const (
	CommandFile     = "command.txt"
	RecordFile      = "repro.json"
	PackagesFile    = "packages.txt"
	FingerprintFile = "dataset_fingerprint.txt"
	ResolvedFile    = "resolved.yaml"
)

// Artifacts are the files written for one run.
type Artifacts struct {
	Record     Record
	Resolution *profile.Resolution
	// Packages is the package manifest of the trainer environment.
	Packages string
}

// Write stores every artifact under dir, creating it if needed.
func Write(dir string, a Artifacts) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	record, err := json.MarshalIndent(a.Record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", RecordFile, err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{CommandFile, []byte(a.Record.Command + "\n")},
		{RecordFile, append(record, '\n')},
		{PackagesFile, []byte(a.Packages)},
		{FingerprintFile, []byte(a.Record.DatasetHash + "\n")},
	}
	if a.Resolution != nil {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(a.Resolution); err != nil {
			return fmt.Errorf("failed to encode %s: %w", ResolvedFile, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode %s: %w", ResolvedFile, err)
		}
		files = append(files, struct {
			name string
			data []byte
		}{ResolvedFile, buf.Bytes()})
	}

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// PackageManifest runs "<python> -m pip freeze". When that fails the
// manifest is a single note line so that the file always exists.
func PackageManifest(ctx context.Context, python string) string {
	if python == "" {
		python = "python3"
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, python, "-m", "pip", "freeze")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return fmt.Sprintf("# pip freeze unavailable (%s -m pip freeze: %v)\n", python, err)
	}
	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return "# pip freeze returned no packages\n"
	}
	return out
}
