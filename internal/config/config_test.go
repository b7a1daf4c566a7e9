// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/testutil"
)

// isolate clears every variable the loader reads and points the config
// directory at a fresh temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	for _, b := range pathEnv {
		t.Setenv(b.env, "")
	}
	for _, key := range []string{"LORACTL_TRAINER_LAUNCHER", "LORACTL_DASHBOARD_INTERVAL", "LORACTL_UI_VERBOSE"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	SetConfigDirOverride(dir)
	t.Cleanup(Reset)
	return dir
}

func load(t *testing.T, opts LoadOptions) *Config {
	t.Helper()
	cfg, err := NewProvider().Load(context.Background(), opts)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg := load(t, LoadOptions{SkipDotenv: true})

	want := DefaultConfig()
	if cfg.Paths != want.Paths {
		t.Errorf("Paths = %+v, want %+v", cfg.Paths, want.Paths)
	}
	if cfg.Paths.DataDir != "/workspace/lora_training/data/subject" {
		t.Errorf("DataDir = %q", cfg.Paths.DataDir)
	}
	if cfg.Runs.Database != "/workspace/lora_training/logs/runs.db" {
		t.Errorf("Runs.Database = %q", cfg.Runs.Database)
	}
	if cfg.Trainer.Launcher != LauncherAccelerate {
		t.Errorf("Launcher = %q", cfg.Trainer.Launcher)
	}
	if cfg.Dashboard.Interval != 2*time.Second {
		t.Errorf("Interval = %v, want 2s", cfg.Dashboard.Interval)
	}
	if cfg.SourcePath != "" {
		t.Errorf("SourcePath = %q, want empty", cfg.SourcePath)
	}
}

func TestLoad_EnvOverridesPaths(t *testing.T) {
	isolate(t)
	t.Setenv("WORKSPACE", "/srv/ws")
	t.Setenv("MODEL_PATH", "/models/flux")
	t.Setenv("OUT_DIR", "/scratch/out")

	cfg := load(t, LoadOptions{SkipDotenv: true})
	if cfg.Paths.Workspace != "/srv/ws" {
		t.Errorf("Workspace = %q", cfg.Paths.Workspace)
	}
	if cfg.Paths.ModelPath != "/models/flux" {
		t.Errorf("ModelPath = %q", cfg.Paths.ModelPath)
	}
	if cfg.Paths.OutputDir != "/scratch/out" {
		t.Errorf("OutputDir = %q", cfg.Paths.OutputDir)
	}
	if cfg.Paths.LogDir != filepath.Join("/srv/ws", "logs") {
		t.Errorf("LogDir = %q, want derived from WORKSPACE", cfg.Paths.LogDir)
	}
}

func TestLoad_WorkspaceOptionWins(t *testing.T) {
	isolate(t)
	t.Setenv("WORKSPACE", "/from/env")

	cfg := load(t, LoadOptions{Workspace: "/from/flag", SkipDotenv: true})
	if cfg.Paths.Workspace != "/from/flag" {
		t.Errorf("Workspace = %q, want /from/flag", cfg.Paths.Workspace)
	}
	if cfg.Paths.SamplePrompts != filepath.Join("/from/flag", "configs", "sample_prompts.txt") {
		t.Errorf("SamplePrompts = %q", cfg.Paths.SamplePrompts)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := isolate(t)
	testutil.MustWriteFile(t, filepath.Join(dir, "config.cue"), `
paths: workspace: "/data/lora"
trainer: {
	launcher: "python"
	pty:      true
}
dashboard: interval: "5s"
`)

	cfg := load(t, LoadOptions{SkipDotenv: true})
	if cfg.Paths.Workspace != "/data/lora" {
		t.Errorf("Workspace = %q", cfg.Paths.Workspace)
	}
	if cfg.Trainer.Launcher != LauncherPython || !cfg.Trainer.PTY {
		t.Errorf("Trainer = %+v", cfg.Trainer)
	}
	if cfg.Dashboard.Interval != 5*time.Second {
		t.Errorf("Interval = %v", cfg.Dashboard.Interval)
	}
	if cfg.SourcePath != filepath.Join(dir, "config.cue") {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}

	t.Setenv("WORKSPACE", "/env/wins")
	cfg = load(t, LoadOptions{SkipDotenv: true})
	if cfg.Paths.Workspace != "/env/wins" {
		t.Errorf("Workspace = %q, want env to beat the file", cfg.Paths.Workspace)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := isolate(t)
	testutil.MustWriteFile(t, filepath.Join(dir, "config.cue"), `trainer: launcher: "torchrun"`)

	_, err := NewProvider().Load(context.Background(), LoadOptions{SkipDotenv: true})
	if err == nil {
		t.Fatal("expected schema violation")
	}
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("error type = %T, want *issue.ActionableError", err)
	}
	if ae.Issue != issue.ConfigInvalidId {
		t.Errorf("Issue = %d, want ConfigInvalidId", ae.Issue)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := NewProvider().Load(context.Background(), LoadOptions{
		ConfigFilePath: filepath.Join(t.TempDir(), "absent.cue"),
		SkipDotenv:     true,
	})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v, want not-found", err)
	}
}

func TestLoad_DotenvDoesNotOverride(t *testing.T) {
	isolate(t)
	ws := t.TempDir()
	testutil.MustWriteFile(t, filepath.Join(ws, ".env"), "MODEL_PATH=/dotenv/models\nSDSCRIPTS=/dotenv/sd\n")
	t.Setenv("SDSCRIPTS", "/process/sd")
	// godotenv only fills variables that are absent, and it writes to the
	// process environment; t.Setenv restores MODEL_PATH after the test.
	t.Setenv("MODEL_PATH", "")
	if err := os.Unsetenv("MODEL_PATH"); err != nil {
		t.Fatal(err)
	}

	cfg := load(t, LoadOptions{Workspace: ws})
	if cfg.Paths.SDScripts != "/process/sd" {
		t.Errorf("SDScripts = %q, want process value kept", cfg.Paths.SDScripts)
	}
	if cfg.Paths.ModelPath != "/dotenv/models" {
		t.Errorf("ModelPath = %q, want value from .env", cfg.Paths.ModelPath)
	}
}

func TestLoad_Canceled(t *testing.T) {
	isolate(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProvider().Load(ctx, LoadOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestGenerateCUE_RoundTrips(t *testing.T) {
	dir := isolate(t)
	path, err := CreateDefaultConfig(dir)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error = %v", err)
	}
	if !strings.Contains(testutil.MustReadFile(t, path), `launcher:     "accelerate"`) {
		t.Error("generated config missing launcher")
	}

	cfg := load(t, LoadOptions{SkipDotenv: true})
	if cfg.SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
	}
	if cfg.Paths != DefaultConfig().Paths {
		t.Errorf("Paths = %+v, want defaults", cfg.Paths)
	}
}

func TestPaths_Helpers(t *testing.T) {
	p := DefaultConfig().Paths
	if got := p.ProfileFile("fast"); got != "/workspace/lora_training/configs/flux_fast.toml" {
		t.Errorf("ProfileFile() = %q", got)
	}
	if got := p.TrainerScript(); got != "/opt/sd-scripts/flux_train_network.py" {
		t.Errorf("TrainerScript() = %q", got)
	}
	if got := p.SampleDir(); got != "/workspace/lora_training/output/sample" {
		t.Errorf("SampleDir() = %q", got)
	}
}

func TestLauncher_Validate(t *testing.T) {
	if err := LauncherAccelerate.Validate(); err != nil {
		t.Errorf("accelerate: %v", err)
	}
	if err := Launcher("torchrun").Validate(); !errors.Is(err, ErrInvalidLauncher) {
		t.Errorf("torchrun: %v, want ErrInvalidLauncher", err)
	}
}
