// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/dashboard"
	"github.com/loractl/loractl/internal/gpu"
	"github.com/loractl/loractl/internal/repro"
	"github.com/loractl/loractl/internal/trainer"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives the App and reaches the outside world only through it.
	App struct {
		Config    config.Provider
		Runner    trainer.Runner
		Collector *repro.Collector
		GPU       func(ctx context.Context) ([]gpu.Snapshot, error)
		Packages  func(ctx context.Context, python string) string
		Environ   func() []string
		Now       func() time.Time
		Stdin     io.Reader
		Stdout    io.Writer
		Stderr    io.Writer
		Logger    *log.Logger

		// Interactive reports whether forms and the TUI dashboard may be
		// shown.
		Interactive func() bool

		flags globalFlags
	}

	// Dependencies are the injection points for NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config      config.Provider
		Runner      trainer.Runner
		Collector   *repro.Collector
		GPU         func(ctx context.Context) ([]gpu.Snapshot, error)
		Packages    func(ctx context.Context, python string) string
		Environ     func() []string
		Now         func() time.Time
		Stdin       io.Reader
		Stdout      io.Writer
		Stderr      io.Writer
		Interactive func() bool
	}

	globalFlags struct {
		verbose    bool
		configPath string
		workspace  string
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.GPU == nil {
		deps.GPU = gpu.Probe
	}
	if deps.Collector == nil {
		deps.Collector = repro.NewCollector()
		deps.Collector.GPU = deps.GPU
	}
	if deps.Packages == nil {
		deps.Packages = repro.PackageManifest
	}
	if deps.Environ == nil {
		deps.Environ = os.Environ
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Interactive == nil {
		deps.Interactive = func() bool { return dashboard.IsTerminal(os.Stdin) && dashboard.IsTerminal(os.Stdout) }
	}

	logger := log.NewWithOptions(deps.Stderr, log.Options{Prefix: "loractl"})
	if deps.Runner == nil {
		deps.Runner = trainer.ExecRunner{Logger: logger}
	}

	return &App{
		Config:      deps.Config,
		Runner:      deps.Runner,
		Collector:   deps.Collector,
		GPU:         deps.GPU,
		Packages:    deps.Packages,
		Environ:     deps.Environ,
		Now:         deps.Now,
		Stdin:       deps.Stdin,
		Stdout:      deps.Stdout,
		Stderr:      deps.Stderr,
		Logger:      logger,
		Interactive: deps.Interactive,
	}
}

// loadConfig resolves the application configuration with the global flags
// applied.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: a.flags.configPath,
		Workspace:      a.flags.workspace,
	})
	if err != nil {
		return nil, err
	}
	if cfg.UI.Verbose && !a.flags.verbose {
		a.Logger.SetLevel(log.DebugLevel)
	}
	a.Logger.Debug("configuration loaded", "file", cfg.SourcePath, "workspace", cfg.Paths.Workspace)
	return cfg, nil
}
