// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for loractl.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/trainer"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the loractl command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "loractl",
		Short: "FLUX.1-dev LoRA training orchestration",
		Long: TitleStyle.Render("loractl") + SubtitleStyle.Render(" - FLUX.1-dev LoRA training orchestration") + `

loractl resolves a training profile from built-in defaults, the profile
TOML file, environment variables and flags, assembles the sd-scripts
command, validates the dataset, records everything needed to reproduce
the run and launches the trainer.

` + SubtitleStyle.Render("Quick Start:") + `
  1. loractl init               Scaffold configs/ in the workspace
  2. loractl dataset validate   Check image/caption pairs
  3. loractl train -p fast      Launch a fast iteration run

` + SubtitleStyle.Render("Examples:") + `
  loractl build -p final -n     Print the final-profile command
  loractl profile show final    Show where every value comes from
  loractl dashboard             Watch the latest run
  loractl audit                 Check profile files for drift`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.flags.verbose {
				app.Logger.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/loractl/config.cue)")
	root.PersistentFlags().StringVarP(&app.flags.workspace, "workspace", "w", "", "workspace root (overrides WORKSPACE)")

	root.AddCommand(
		newBuildCommand(app),
		newTrainCommand(app),
		newDatasetCommand(app),
		newDashboardCommand(app),
		newProfileCommand(app),
		newAuditCommand(app),
		newRunsCommand(app),
		newConfigCommand(app),
		newInitCommand(app),
		newHintsCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	root := NewRootCommand(app)
	err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			var exitErr *ExitError
			if errors.As(err, &exitErr) && exitErr.Err == nil {
				return
			}
			fmt.Fprintln(w, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, app.flags.verbose))
		}),
	)
	os.Exit(exitCodeOf(err))
}

// exitCodeOf maps a command error to the process exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if trainer.ExitCode(exitErr.Code).Validate() != nil {
			return 1
		}
		return exitErr.Code
	}
	return 1
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
