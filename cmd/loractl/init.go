// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/profile"
)

const defaultTrigger = "ohwx"

type (
	initFlags struct {
		trigger string
		yes     bool
		force   bool
	}

	// scaffoldFile is one file written by init.
	scaffoldFile struct {
		path    string
		content []byte
	}
)

func newInitCommand(app *App) *cobra.Command {
	var f initFlags
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a training workspace",
		Long: `Create the workspace layout: configs/flux_fast.toml and
configs/flux_final.toml with the built-in profile values, a sample prompts
file and the dataset, output and log directories.

Existing files are kept unless --force is given.`,
		Example: `  loractl init
  loractl init -w /workspace/lora_training --trigger sks --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), app, f)
		},
	}
	cmd.Flags().StringVar(&f.trigger, "trigger", "", "trigger token used in the sample prompts (default "+defaultTrigger+")")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "do not ask; use flags and defaults")
	cmd.Flags().BoolVar(&f.force, "force", false, "overwrite existing files")
	return cmd
}

func runInit(ctx context.Context, app *App, f initFlags) error {
	if !f.yes && app.Interactive() {
		if err := initForm(app, &f); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return &ExitError{Code: 130}
			}
			return err
		}
	}
	if strings.TrimSpace(f.trigger) == "" {
		f.trigger = defaultTrigger
	}

	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	files, err := scaffoldFiles(cfg.Paths, strings.TrimSpace(f.trigger))
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.Paths.ConfigsDir(), cfg.Paths.DataDir, cfg.Paths.OutputDir, cfg.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return issue.WrapWithContext(err, "create workspace directory", dir)
		}
	}
	for _, sf := range files {
		if _, statErr := os.Stat(sf.path); statErr == nil && !f.force {
			fmt.Fprintf(app.Stdout, "%s %s\n", SubtitleStyle.Render("kept   "), sf.path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
			return issue.WrapWithContext(err, "create workspace directory", filepath.Dir(sf.path))
		}
		if err := os.WriteFile(sf.path, sf.content, 0o644); err != nil {
			return issue.WrapWithContext(err, "write scaffold file", sf.path)
		}
		fmt.Fprintf(app.Stdout, "%s %s\n", SuccessStyle.Render("created"), sf.path)
	}

	fmt.Fprintln(app.Stdout)
	fmt.Fprintln(app.Stdout, SubtitleStyle.Render("Next steps:"))
	fmt.Fprintf(app.Stdout, "  1. Put image/caption pairs in %s\n", cfg.Paths.DataDir)
	fmt.Fprintf(app.Stdout, "  2. %s\n", CmdStyle.Render("loractl dataset validate --trigger "+f.trigger))
	fmt.Fprintf(app.Stdout, "  3. %s\n", CmdStyle.Render("loractl train -p fast"))
	return nil
}

func initForm(app *App, f *initFlags) error {
	workspace := app.flags.workspace
	if workspace == "" {
		workspace = os.Getenv("WORKSPACE")
	}
	if workspace == "" {
		workspace = config.DefaultWorkspace
	}
	if f.trigger == "" {
		f.trigger = defaultTrigger
	}

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Workspace").
			Description("Root of configs/, data/, output/ and logs/").
			Value(&workspace).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("workspace is required")
				}
				return nil
			}),
		huh.NewInput().
			Title("Trigger token").
			Description("Rare token that names the subject in every caption").
			Value(&f.trigger),
		huh.NewConfirm().
			Title("Overwrite existing files?").
			Value(&f.force),
	))
	if err := form.Run(); err != nil {
		return err
	}
	app.flags.workspace = strings.TrimSpace(workspace)
	return nil
}

// scaffoldFiles renders the profile files and sample prompts for paths.
func scaffoldFiles(paths config.Paths, trigger string) ([]scaffoldFile, error) {
	var files []scaffoldFile
	for _, name := range profile.Names() {
		p, err := profile.Defaults(name)
		if err != nil {
			return nil, err
		}
		data, err := profile.RenderFile(name, p)
		if err != nil {
			return nil, err
		}
		files = append(files, scaffoldFile{path: paths.ProfileFile(name), content: data})
	}
	files = append(files, scaffoldFile{path: paths.SamplePrompts, content: []byte(samplePrompts(trigger))})
	return files, nil
}

// samplePrompts returns sd-scripts prompt lines; --w/--h set the size,
// --s the steps, --d the seed and --l the guidance scale.
func samplePrompts(trigger string) string {
	subjects := []string{
		"a portrait photo of %s, natural light, 85mm",
		"a photo of %s standing in a city street at dusk",
		"a close-up photo of %s smiling, studio lighting",
		"an oil painting of %s in a garden",
	}
	var sb strings.Builder
	for i, s := range subjects {
		fmt.Fprintf(&sb, s+" --w 1024 --h 1024 --s 28 --l 3.5 --d %d\n", trigger, 42+i)
	}
	return sb.String()
}
