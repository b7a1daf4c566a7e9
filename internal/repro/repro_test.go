// SPDX-License-Identifier: MPL-2.0

package repro

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loractl/loractl/internal/gpu"
	"github.com/loractl/loractl/internal/profile"
	"github.com/loractl/loractl/internal/testutil"
	"github.com/loractl/loractl/internal/trainer"
)

func fakeCollector(gitErr error, status string) *Collector {
	return &Collector{
		Git: func(_ context.Context, _ string, args ...string) (string, error) {
			if gitErr != nil {
				return "", gitErr
			}
			if args[0] == "rev-parse" {
				return "0123abcd", nil
			}
			return status, nil
		},
		GPU: func(context.Context) ([]gpu.Snapshot, error) {
			return []gpu.Snapshot{{Name: "NVIDIA L4", MemoryTotalMiB: 23034}}, nil
		},
		Hostname: func() (string, error) { return "trainer-01", nil },
		Now:      func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.FixedZone("X", 3600)) },
		NewID:    func() string { return "run-id" },
	}
}

func resolution(t *testing.T) *profile.Resolution {
	t.Helper()
	env, err := profile.EnvLayer(map[string]string{"RANK": "48"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := profile.Resolve(profile.Final, profile.ResolveOptions{}, env)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestCollect(t *testing.T) {
	in := Input{
		RunName:     "flux_final_x",
		Resolution:  resolution(t),
		Command:     trainer.Command{Program: "accelerate", Args: []string{"launch", "x.py"}},
		Workspace:   t.TempDir(),
		DatasetHash: "abc",
		Version:     "v1.2.3",
	}
	rec := fakeCollector(nil, " M configs/flux_final.toml").Collect(context.Background(), in)

	if rec.TimestampUTC != "2026-05-04T02:02:01Z" {
		t.Errorf("TimestampUTC = %q", rec.TimestampUTC)
	}
	if rec.RunID != "run-id" || rec.RunName != "flux_final_x" || rec.Profile != "final" || rec.Hostname != "trainer-01" {
		t.Errorf("record = %+v", rec)
	}
	if rec.GitCommit != "0123abcd" || rec.GitDirty == nil || !*rec.GitDirty {
		t.Errorf("git = %q dirty %v", rec.GitCommit, rec.GitDirty)
	}
	if rec.GPU != "NVIDIA L4, 23034 MiB" {
		t.Errorf("GPU = %q", rec.GPU)
	}
	if rec.Hyperparameters["network_dim"] != 48 || rec.Hyperparameters["network_alpha"] != 48.0 || len(rec.Hyperparameters) != 10 {
		t.Errorf("Hyperparameters = %v", rec.Hyperparameters)
	}
	if rec.Sources["network_dim"] != profile.SourceEnv {
		t.Errorf("Sources = %v", rec.Sources)
	}
	if rec.Command != "accelerate launch x.py" {
		t.Errorf("Command = %q", rec.Command)
	}
}

func TestCollect_Unknowns(t *testing.T) {
	c := fakeCollector(errors.New("not a git repository"), "")
	c.GPU = func(context.Context) ([]gpu.Snapshot, error) { return nil, gpu.ErrUnavailable }
	c.Hostname = func() (string, error) { return "", errors.New("no hostname") }

	rec := c.Collect(context.Background(), Input{RunName: "r"})
	if rec.GitCommit != Unknown || rec.GitDirty != nil || rec.GPU != Unknown || rec.Hostname != Unknown {
		t.Errorf("record = %+v", rec)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"git_dirty":null`) {
		t.Errorf("json = %s", data)
	}
}

func TestCollect_CleanTree(t *testing.T) {
	rec := fakeCollector(nil, "").Collect(context.Background(), Input{})
	if rec.GitDirty == nil || *rec.GitDirty {
		t.Errorf("GitDirty = %v, want false", rec.GitDirty)
	}
}

func TestWrite(t *testing.T) {
	res := resolution(t)
	rec := fakeCollector(nil, "").Collect(context.Background(), Input{
		RunName:     "r",
		Resolution:  res,
		Command:     trainer.Command{Program: "accelerate", Args: []string{"launch", "--train_data_dir=/data/my set"}},
		DatasetHash: "d41d8cd98f00b204e9800998ecf8427e",
	})
	dir := filepath.Join(t.TempDir(), "logs", "r")
	if err := Write(dir, Artifacts{Record: rec, Resolution: res, Packages: "torch==2.4.0\n"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if got := testutil.MustReadFile(t, filepath.Join(dir, CommandFile)); got != "accelerate launch '--train_data_dir=/data/my set'\n" {
		t.Errorf("%s = %q", CommandFile, got)
	}
	if got := testutil.MustReadFile(t, filepath.Join(dir, FingerprintFile)); got != "d41d8cd98f00b204e9800998ecf8427e\n" {
		t.Errorf("%s = %q", FingerprintFile, got)
	}
	if got := testutil.MustReadFile(t, filepath.Join(dir, PackagesFile)); got != "torch==2.4.0\n" {
		t.Errorf("%s = %q", PackagesFile, got)
	}

	recordJSON := testutil.MustReadFile(t, filepath.Join(dir, RecordFile))
	if !strings.Contains(recordJSON, `"network_dim": "env"`) {
		t.Errorf("repro.json sources not rendered by name:\n%s", recordJSON)
	}
	var decoded Record
	if err := json.Unmarshal([]byte(recordJSON), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.RunName != "r" || decoded.Sources["network_dim"] != profile.SourceEnv {
		t.Errorf("decoded = %+v", decoded)
	}

	var resolved map[string]any
	if err := yaml.Unmarshal([]byte(testutil.MustReadFile(t, filepath.Join(dir, ResolvedFile))), &resolved); err != nil {
		t.Fatal(err)
	}
	params := resolved["params"].(map[string]any)
	if resolved["profile"] != "final" || params["network_dim"] != 48 {
		t.Errorf("resolved.yaml = %v", resolved)
	}
}

func TestPackageManifest_Fallback(t *testing.T) {
	got := PackageManifest(context.Background(), "/nonexistent/python")
	if !strings.HasPrefix(got, "# pip freeze unavailable") {
		t.Errorf("PackageManifest() = %q", got)
	}
}
