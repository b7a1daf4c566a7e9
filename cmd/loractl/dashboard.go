// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/dashboard"
	"github.com/loractl/loractl/internal/dashserver"
	"github.com/loractl/loractl/internal/issue"
)

const (
	// TrainLogFile is the trainer output copy inside a run directory.
	TrainLogFile = "train.log"
	// PIDFile holds the trainer's process id while a run is active.
	PIDFile = "trainer.pid"

	thumbWidth = 24
)

type (
	dashboardFlags struct {
		logPath   string
		pidFile   string
		interval  time.Duration
		plain     bool
		serve     string
		untilExit bool
	}

	// watchOptions select how a Source is presented.
	watchOptions struct {
		title     string
		interval  time.Duration
		plain     bool
		untilExit bool
	}
)

func newDashboardCommand(app *App) *cobra.Command {
	var f dashboardFlags
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Watch training progress",
		Long: `Watch a training run: progress, loss, GPU utilization and the newest
sample image.

Without --log the most recent run under the log directory is shown. With
--serve the dashboard is offered over SSH instead, one view per session.`,
		Example: `  loractl dashboard
  loractl dashboard --log logs/flux_final_20250101_120000/train.log
  loractl dashboard --plain --until-exit
  loractl dashboard --serve 0.0.0.0:2222`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(cmd.Context(), app, f)
		},
	}
	cmd.Flags().StringVar(&f.logPath, "log", "", "trainer log to follow (default: latest run)")
	cmd.Flags().StringVar(&f.pidFile, "pid-file", "", "trainer pid file (default: next to the log)")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "poll interval (default dashboard.interval)")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "print a text progress bar instead of the full-screen view")
	cmd.Flags().StringVar(&f.serve, "serve", "", "serve the dashboard over SSH on this address")
	cmd.Flags().BoolVar(&f.untilExit, "until-exit", false, "stop when the trainer exits")
	return cmd
}

func runDashboard(ctx context.Context, app *App, f dashboardFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}

	logPath := f.logPath
	if logPath == "" {
		if logPath, err = latestRunLog(cfg.Paths.LogDir); err != nil {
			return err
		}
	}
	pidFile := f.pidFile
	if pidFile == "" {
		pidFile = filepath.Join(filepath.Dir(logPath), PIDFile)
	}
	interval := f.interval
	if interval <= 0 {
		interval = cfg.Dashboard.Interval
	}

	src := newSource(app, cfg, logPath)
	src.PIDFile = pidFile
	app.Logger.Debug("following trainer log", "log", logPath, "pid_file", pidFile)

	if f.serve != "" {
		return serveDashboard(ctx, app, cfg, f.serve, src, dashboard.Options{
			Title:    filepath.Base(filepath.Dir(logPath)),
			Interval: interval,
		})
	}
	return app.watch(ctx, src, watchOptions{
		title:     filepath.Base(filepath.Dir(logPath)),
		interval:  interval,
		plain:     f.plain,
		untilExit: f.untilExit,
	})
}

func newSource(app *App, cfg *config.Config, logPath string) *dashboard.Source {
	return &dashboard.Source{
		LogPath:    logPath,
		SampleDir:  cfg.Paths.SampleDir(),
		TailBytes:  cfg.Dashboard.TailBytes,
		GPU:        app.GPU,
		ThumbWidth: thumbWidth,
	}
}

// watch shows src with the full-screen dashboard when the terminal allows
// it and with the plain progress bar otherwise.
func (a *App) watch(ctx context.Context, src *dashboard.Source, opts watchOptions) error {
	if opts.plain || !a.Interactive() {
		return dashboard.RunPlain(ctx, src, dashboard.PlainOptions{
			Writer:    a.Stdout,
			Interval:  opts.interval,
			UntilExit: opts.untilExit,
		})
	}
	return dashboard.Run(ctx, src, dashboard.Options{
		Title:     opts.title,
		Interval:  opts.interval,
		UntilExit: opts.untilExit,
	})
}

func serveDashboard(ctx context.Context, app *App, cfg *config.Config, addr string, src *dashboard.Source, opts dashboard.Options) error {
	srv := dashserver.New(dashserver.Config{
		Address:            addr,
		HostKeyPath:        cfg.Dashboard.HostKeyPath,
		AuthorizedKeysPath: cfg.Dashboard.AuthorizedKeysPath,
		Logger:             app.Logger.WithPrefix("dashserver"),
	}, src, opts)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(app.Stderr, SuccessStyle.Render("Dashboard listening on ")+CmdStyle.Render(srv.Address()))
	return srv.Wait(ctx)
}

// latestRunLog finds the train.log of the most recently modified run
// directory.
func latestRunLog(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", issue.WrapWithContext(err, "find latest run", logDir)
	}

	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(logDir, e.Name(), TrainLogFile)
		info, statErr := os.Stat(p)
		if statErr != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = p, info.ModTime()
		}
	}
	if best == "" {
		return "", issue.NewErrorContext().
			WithOperation("find latest run").
			WithResource(logDir).
			WithSuggestion("Start a run with 'loractl train' or pass --log").
			Wrap(errors.New("no run logs found")).
			BuildError()
	}
	return best, nil
}
