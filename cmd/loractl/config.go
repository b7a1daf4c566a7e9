// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/config"
)

// newConfigCommand creates the `loractl config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage loractl configuration",
		Long: `Manage loractl configuration.

Configuration is stored in:
  - Linux: ~/.config/loractl/config.cue
  - macOS: ~/Library/Application Support/loractl/config.cue
  - Windows: %APPDATA%\loractl\config.cue

Environment variables (WORKSPACE, SDSCRIPTS, MODEL_PATH, TEXT_ENCODER_PATH,
DATA_DIR, OUT_DIR, LOG_DIR, SAMPLE_PROMPTS and LORACTL_<SECTION>_<KEY>)
override the file; --workspace overrides both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.Context(), app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefaultConfig("")
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Stdout, "%s %s\n", SuccessStyle.Render("Config file:"), path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.configFilePath()
			if err != nil {
				return err
			}
			fmt.Fprintln(app.Stdout, path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(app.Stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	return cfgCmd
}

func (a *App) configFilePath() (string, error) {
	if a.flags.configPath != "" {
		return a.flags.configPath, nil
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt), nil
}

func showConfig(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}

	keyStyle := CmdStyle
	w := app.Stdout
	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if cfg.SourcePath != "" {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), cfg.SourcePath)
	} else {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintln(w)

	t := newTable("Key", "Value")
	for _, row := range [][2]string{
		{"paths.workspace", cfg.Paths.Workspace},
		{"paths.sdscripts", cfg.Paths.SDScripts},
		{"paths.model_path", cfg.Paths.ModelPath},
		{"paths.text_encoder_path", cfg.Paths.TextEncoderPath},
		{"paths.data_dir", cfg.Paths.DataDir},
		{"paths.output_dir", cfg.Paths.OutputDir},
		{"paths.log_dir", cfg.Paths.LogDir},
		{"paths.sample_prompts", cfg.Paths.SamplePrompts},
		{"trainer.launcher", cfg.Trainer.Launcher.String()},
		{"trainer.python", cfg.Trainer.Python},
		{"trainer.pty", fmt.Sprint(cfg.Trainer.PTY)},
		{"trainer.grace_period", cfg.Trainer.GracePeriod.String()},
		{"dashboard.interval", cfg.Dashboard.Interval.String()},
		{"dashboard.tail_bytes", fmt.Sprint(cfg.Dashboard.TailBytes)},
		{"dashboard.ssh_address", cfg.Dashboard.SSHAddress},
		{"dashboard.host_key_path", cfg.Dashboard.HostKeyPath},
		{"dashboard.authorized_keys_path", cfg.Dashboard.AuthorizedKeysPath},
		{"runs.database", cfg.Runs.Database},
		{"ui.verbose", fmt.Sprint(cfg.UI.Verbose)},
		{"ui.color_scheme", cfg.UI.ColorScheme.String()},
	} {
		t.Row(row[0], row[1])
	}
	fmt.Fprintln(w, t.Render())
	return nil
}
