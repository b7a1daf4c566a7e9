// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/dataset"
	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/logparse"
	"github.com/loractl/loractl/internal/repro"
	"github.com/loractl/loractl/internal/runstore"
	"github.com/loractl/loractl/internal/trainer"
)

type trainFlags struct {
	plan      planFlags
	dryRun    bool
	trigger   string
	dashboard bool
	plain     bool
}

func newTrainCommand(app *App) *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Validate inputs and launch the trainer",
		Long: `Resolve a profile, check model files and the dataset, write the
reproducibility record and launch the trainer.

The trainer's output is copied to <log_dir>/<run>/train.log. When the trainer
fails, the log is checked for known symptoms and matching hints are printed;
loractl then exits with the trainer's exit code.`,
		Example: `  loractl train -p fast
  loractl train -p final --dashboard
  RESUME_FROM=output/flux_fast-000500.safetensors loractl train -p final
  loractl train -p final --set blocks_to_swap=24 -n`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), app, f)
		},
	}
	f.plan.register(cmd)
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "check inputs and print the command without running it")
	cmd.Flags().StringVar(&f.trigger, "trigger", "", "trigger token every caption must contain")
	cmd.Flags().BoolVar(&f.dashboard, "dashboard", false, "show the dashboard while the trainer runs")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "with --dashboard, print a text progress bar")
	return cmd
}

func runTrain(ctx context.Context, app *App, f trainFlags) error {
	p, err := app.resolvePlan(ctx, f.plan)
	if err != nil {
		return err
	}
	paths := p.cfg.Paths

	warnings, err := trainer.Preflight(paths, p.options)
	if err != nil {
		if !f.dryRun {
			return err
		}
		app.Logger.Warn("preflight failed; continuing because of --dry-run", "err", err)
	}
	for _, w := range warnings {
		app.Logger.Warn(w)
	}

	report, err := dataset.Validate(paths.DataDir, dataset.Options{TriggerToken: f.trigger})
	switch {
	case err != nil && !f.dryRun:
		return err
	case err != nil:
		app.Logger.Warn("dataset invalid; continuing because of --dry-run", "err", err)
	default:
		logDatasetReport(app, report)
	}

	hash, err := dataset.Fingerprint(paths.DataDir)
	if err != nil {
		return err
	}

	if f.dryRun {
		writeSummary(app.Stderr, p)
		_, err := trainer.Execute(ctx, app.Runner, p.command, trainer.RunOptions{DryRun: true, Output: app.Stdout})
		return err
	}

	runDir := paths.RunLogDir(p.runName)
	record := app.Collector.Collect(ctx, repro.Input{
		RunName:     p.runName,
		Resolution:  p.resolution,
		Command:     p.command,
		Workspace:   paths.Workspace,
		DatasetHash: hash,
		Version:     getVersionString(),
	})
	if err := repro.Write(runDir, repro.Artifacts{
		Record:     record,
		Resolution: p.resolution,
		Packages:   app.Packages(ctx, p.cfg.Trainer.Python),
	}); err != nil {
		return issue.WrapWithContext(err, "write reproducibility record", runDir)
	}
	app.Logger.Info("starting run", "run", p.runName, "id", record.RunID, "dir", runDir)

	store := app.openRunStore(ctx, p.cfg.Runs.Database)
	if store != nil {
		defer func() { _ = store.Close() }()
		if err := store.Start(ctx, runstore.Run{
			ID:          record.RunID,
			Name:        p.runName,
			Profile:     p.resolution.Profile,
			Command:     p.command.String(),
			LogDir:      runDir,
			DatasetHash: hash,
			StartedAt:   app.Now(),
		}); err != nil {
			app.Logger.Warn("could not record run", "err", err)
			store = nil
		}
	}

	logPath := filepath.Join(runDir, TrainLogFile)
	opts := trainer.RunOptions{
		LogPath:     logPath,
		Output:      app.Stdout,
		PTY:         p.cfg.Trainer.PTY,
		GracePeriod: p.cfg.Trainer.GracePeriod,
		PIDFile:     filepath.Join(runDir, PIDFile),
	}

	var code trainer.ExitCode
	if f.dashboard {
		code, err = app.trainWithDashboard(ctx, p, opts, f.plain)
	} else {
		code, err = trainer.Execute(ctx, app.Runner, p.command, opts)
	}

	if store != nil {
		// Record the outcome even when the run was interrupted.
		if ferr := store.Finish(context.WithoutCancel(ctx), record.RunID, int(code), app.Now()); ferr != nil {
			app.Logger.Warn("could not record run result", "err", ferr)
		}
	}
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("run trainer").
			WithResource(p.command.Program).
			WithSuggestion("Check that " + p.command.Program + " is installed and on PATH").
			WithIssue(issue.TrainerFailedId).
			Wrap(err).
			BuildError()
	}
	if code.IsSuccess() {
		app.Logger.Info("run finished", "run", p.runName, "log", logPath)
		return nil
	}

	app.Logger.Error("trainer failed", "run", p.runName, "exit_code", code, "log", logPath)
	if code != trainer.ExitInterrupted {
		state, scanErr := logparse.ScanFile(logPath, p.cfg.Dashboard.TailBytes)
		if scanErr != nil {
			app.Logger.Debug("could not read trainer log", "err", scanErr)
		}
		writeHints(app.Stderr, issue.Diagnose(state), glamourStyle(p.cfg.UI.ColorScheme))
	}
	return &ExitError{Code: int(code)}
}

// trainWithDashboard runs the trainer in the background while the
// dashboard follows its log. Closing the dashboard does not stop training.
func (a *App) trainWithDashboard(ctx context.Context, p *plan, opts trainer.RunOptions, plain bool) (trainer.ExitCode, error) {
	type result struct {
		code trainer.ExitCode
		err  error
	}
	opts.Output = nil
	done := make(chan struct{})
	results := make(chan result, 1)
	go func() {
		defer close(done)
		code, err := trainer.Execute(ctx, a.Runner, p.command, opts)
		results <- result{code, err}
	}()

	src := newSource(a, p.cfg, opts.LogPath)
	src.Done = done
	if err := a.watch(ctx, src, watchOptions{
		title:     p.runName,
		interval:  p.cfg.Dashboard.Interval,
		plain:     plain,
		untilExit: true,
	}); err != nil {
		a.Logger.Warn("dashboard stopped", "err", err)
	}

	select {
	case <-done:
	default:
		a.Logger.Info("dashboard closed; waiting for the trainer (ctrl+c to interrupt)", "log", opts.LogPath)
	}
	r := <-results
	return r.code, r.err
}

func (a *App) openRunStore(ctx context.Context, path string) *runstore.Store {
	store, err := runstore.Open(ctx, path)
	if err != nil {
		a.Logger.Warn("run history unavailable", "db", path, "err", err)
		return nil
	}
	return store
}

func logDatasetReport(app *App, r *dataset.Report) {
	app.Logger.Info("dataset validated", "dir", r.Dir, "pairs", len(r.Matched), "problems", r.Problems())
	if len(r.Unmatched) > 0 {
		app.Logger.Warn("images without captions", "count", len(r.Unmatched), "first", r.Unmatched[0])
	}
	if len(r.EmptyCaptions) > 0 {
		app.Logger.Warn("empty captions", "count", len(r.EmptyCaptions), "first", r.EmptyCaptions[0])
	}
	if len(r.MissingTrigger) > 0 {
		app.Logger.Warn("captions missing the trigger token", "token", r.TriggerToken,
			"count", len(r.MissingTrigger), "first", r.MissingTrigger[0])
	}
	if len(r.OrphanCaptions) > 0 {
		app.Logger.Debug("captions without images", "files", strings.Join(r.OrphanCaptions, ", "))
	}
}
