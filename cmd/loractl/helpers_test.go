// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/gpu"
	"github.com/loractl/loractl/internal/repro"
	"github.com/loractl/loractl/internal/testutil"
	"github.com/loractl/loractl/internal/trainer"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type (
	staticConfig struct {
		cfg *config.Config
	}

	// recordingRunner records trainer invocations and writes log to the run
	// log instead of starting a process.
	recordingRunner struct {
		calls []trainer.Command
		opts  []trainer.RunOptions
		log   string
		code  trainer.ExitCode
	}

	harness struct {
		app    *App
		ws     *testutil.Workspace
		runner *recordingRunner
		stdout *bytes.Buffer
		stderr *bytes.Buffer
		env    []string
	}
)

func (s staticConfig) Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := *s.cfg
	if opts.Workspace != "" {
		cfg.Paths = workspacePaths(opts.Workspace)
	}
	return &cfg, nil
}

func (r *recordingRunner) Run(_ context.Context, cmd trainer.Command, opts trainer.RunOptions) (trainer.ExitCode, error) {
	r.calls = append(r.calls, cmd)
	r.opts = append(r.opts, opts)
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return 1, err
		}
		if err := os.WriteFile(opts.LogPath, []byte(r.log), 0o644); err != nil {
			return 1, err
		}
	}
	if opts.Output != nil {
		_, _ = opts.Output.Write([]byte(r.log))
	}
	return r.code, nil
}

func workspacePaths(root string) config.Paths {
	return config.Paths{
		Workspace:       root,
		SDScripts:       filepath.Join(root, "sd-scripts"),
		ModelPath:       filepath.Join(root, "models", "flux1-dev"),
		TextEncoderPath: filepath.Join(root, "models", "text_encoders"),
		DataDir:         filepath.Join(root, "data", "subject"),
		OutputDir:       filepath.Join(root, "output"),
		LogDir:          filepath.Join(root, "logs"),
		SamplePrompts:   filepath.Join(root, "configs", "sample_prompts.txt"),
	}
}

// newHarness builds an App over an empty temporary workspace with every
// outside dependency replaced.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := testutil.NewWorkspace(t)
	cfg := config.DefaultConfig()
	cfg.Paths = workspacePaths(ws.Root)
	cfg.Runs.Database = filepath.Join(ws.LogDir, "runs.db")
	cfg.Dashboard.HostKeyPath = filepath.Join(ws.Root, ".ssh", "host_ed25519")
	cfg.Dashboard.Interval = 20 * time.Millisecond
	cfg.UI.ColorScheme = config.ColorSchemeDark

	h := &harness{
		ws:     ws,
		runner: &recordingRunner{},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	noGPU := func(context.Context) ([]gpu.Snapshot, error) { return nil, gpu.ErrUnavailable }
	collector := &repro.Collector{
		Git:      func(context.Context, string, ...string) (string, error) { return "", errors.New("no git") },
		GPU:      noGPU,
		Hostname: func() (string, error) { return "trainbox", nil },
		Now:      func() time.Time { return fixedNow },
		NewID:    func() string { return "run-0001" },
	}
	h.app = NewApp(Dependencies{
		Config:      staticConfig{cfg: cfg},
		Runner:      h.runner,
		Collector:   collector,
		GPU:         noGPU,
		Packages:    func(context.Context, string) string { return "torch==2.4.0\n" },
		Environ:     func() []string { return h.env },
		Now:         func() time.Time { return fixedNow },
		Stdout:      h.stdout,
		Stderr:      h.stderr,
		Interactive: func() bool { return false },
	})
	return h
}

// ready populates the workspace so that preflight and dataset checks pass.
func (h *harness) ready(t *testing.T) *harness {
	t.Helper()
	h.ws.WithModels(t).WithPrompts(t).WithDataset(t, 3)
	return h
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRootCommand(h.app)
	root.SetArgs(args)
	root.SetOut(h.stdout)
	root.SetErr(h.stderr)
	return root.ExecuteContext(context.Background())
}
