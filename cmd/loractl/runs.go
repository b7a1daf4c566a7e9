// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/runstore"
)

func newRunsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		limit  int
		format string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(cmd.Context(), app, limit, format)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of runs")
	list.Flags().StringVar(&format, "format", formatText, "output format (text|json|yaml)")
	cmd.AddCommand(list)
	return cmd
}

func listRuns(ctx context.Context, app *App, limit int, format string) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	db := cfg.Runs.Database
	if _, statErr := os.Stat(db); errors.Is(statErr, os.ErrNotExist) {
		fmt.Fprintln(app.Stdout, SubtitleStyle.Render("No runs recorded in "+db))
		return nil
	}

	store, err := runstore.Open(ctx, db)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	if format != formatText {
		return writeStructured(app.Stdout, format, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(app.Stdout, SubtitleStyle.Render("No runs recorded in "+db))
		return nil
	}

	now := app.Now()
	t := newTable("Run", "Profile", "Status", "Exit", "Started", "Duration")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		t.Row(r.Name, r.Profile, statusCell(r.Status), exit,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Duration(now).Round(time.Second).String())
	}
	fmt.Fprintln(app.Stdout, t.Render())
	return nil
}

func statusCell(s runstore.Status) string {
	switch s {
	case runstore.StatusSucceeded:
		return SuccessStyle.Render(string(s))
	case runstore.StatusFailed:
		return ErrorStyle.Render(string(s))
	case runstore.StatusInterrupted:
		return WarningStyle.Render(string(s))
	default:
		return CmdStyle.Render(string(s))
	}
}
