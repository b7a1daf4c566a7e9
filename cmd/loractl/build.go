// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/dataset"
	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/profile"
	"github.com/loractl/loractl/internal/repro"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type (
	buildFlags struct {
		plan       planFlags
		dryRun     bool
		outputJSON bool
		showRepro  bool
		format     string
	}

	// buildOutput is the machine-readable form of a resolved build.
	buildOutput struct {
		Profile     string                    `json:"profile" yaml:"profile"`
		RunName     string                    `json:"run_name" yaml:"run_name"`
		Config      profile.Params            `json:"config" yaml:"config"`
		Sources     map[string]profile.Source `json:"sources" yaml:"sources"`
		Paths       config.Paths              `json:"paths" yaml:"paths"`
		Command     string                    `json:"command" yaml:"command"`
		Argv        []string                  `json:"argv" yaml:"argv"`
		ResumeFrom  *string                   `json:"resume_from" yaml:"resume_from"`
		FP8Base     bool                      `json:"fp8_base" yaml:"fp8_base"`
		Warnings    []string                  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
		Adjustments []profile.Adjustment      `json:"adjustments,omitempty" yaml:"adjustments,omitempty"`
	}
)

func newBuildCommand(app *App) *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Print the trainer command for a profile",
		Long: `Resolve a profile and print the sd-scripts command.

Values are merged from the built-in profile, configs/flux_<profile>.toml,
environment variables and --set flags, in that order of precedence.`,
		Example: `  loractl build -p final -n
  RANK=48 MAX_STEPS=2000 loractl build -p fast
  loractl build -p fast --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), app, f)
		},
	}
	f.plan.register(cmd)
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "print a configuration summary to stderr along with the command")
	cmd.Flags().BoolVarP(&f.outputJSON, "output-json", "j", false, "print the resolved configuration as JSON (same as --format json)")
	cmd.Flags().BoolVar(&f.showRepro, "show-repro", false, "print the reproducibility record as JSON")
	cmd.Flags().StringVar(&f.format, "format", formatText, "output format (text|json|yaml)")
	return cmd
}

func runBuild(ctx context.Context, app *App, f buildFlags) error {
	format := f.format
	if f.outputJSON {
		format = formatJSON
	}
	switch format {
	case formatText, formatJSON, formatYAML:
	default:
		return issue.NewErrorContext().
			WithOperation("select output format").
			WithResource(format).
			WithSuggestion("Use --format text, json or yaml").
			WithIssue(issue.ConfigInvalidId).
			Wrap(fmt.Errorf("unknown format %q", format)).
			BuildError()
	}

	p, err := app.resolvePlan(ctx, f.plan)
	if err != nil {
		return err
	}

	switch {
	case format != formatText:
		return writeStructured(app.Stdout, format, newBuildOutput(p))
	case f.showRepro:
		hash, err := dataset.Fingerprint(p.cfg.Paths.DataDir)
		if err != nil {
			return err
		}
		rec := app.Collector.Collect(ctx, repro.Input{
			RunName:     p.runName,
			Resolution:  p.resolution,
			Command:     p.command,
			Workspace:   p.cfg.Paths.Workspace,
			DatasetHash: hash,
			Version:     getVersionString(),
		})
		return writeStructured(app.Stdout, formatJSON, rec)
	case f.dryRun:
		writeSummary(app.Stderr, p)
		fmt.Fprintln(app.Stderr, SubtitleStyle.Render("Generated command:"))
		fmt.Fprintln(app.Stdout, p.command.String())
		return nil
	default:
		fmt.Fprintln(app.Stdout, p.command.String())
		return nil
	}
}

func newBuildOutput(p *plan) buildOutput {
	out := buildOutput{
		Profile:     p.resolution.Profile,
		RunName:     p.runName,
		Config:      p.resolution.Params,
		Sources:     p.resolution.Sources,
		Paths:       p.cfg.Paths,
		Command:     p.command.String(),
		Argv:        p.command.Argv(),
		FP8Base:     p.options.FP8Base,
		Warnings:    p.resolution.Warnings,
		Adjustments: p.resolution.Adjustments,
	}
	if p.options.ResumeFrom != "" {
		out.ResumeFrom = &p.options.ResumeFrom
	}
	return out
}

// writeSummary prints the key hyperparameters of a plan.
func writeSummary(w io.Writer, p *plan) {
	params := p.resolution.Params
	resume := "none"
	if p.options.ResumeFrom != "" {
		resume = p.options.ResumeFrom
	}

	fmt.Fprintln(w, TitleStyle.Render("Dry run")+SubtitleStyle.Render(" - profile "+p.resolution.Profile))
	fmt.Fprintf(w, "%s %s\n\n", CmdStyle.Render("Run name:"), p.runName)
	rows := []struct {
		key   string
		value any
	}{
		{"network_dim", params.NetworkDim},
		{"network_alpha", params.NetworkAlpha},
		{"learning_rate", params.LearningRate},
		{"max_train_steps", params.MaxTrainSteps},
		{"resolution", params.Resolution},
		{"noise_offset", params.NoiseOffset},
		{"network_dropout", params.NetworkDropout},
		{"min_snr_gamma", params.MinSNRGamma},
		{"gradient_accumulation_steps", params.GradientAccumulationSteps},
		{"fp8_base", p.options.FP8Base},
		{"resume_from", resume},
	}
	for _, r := range rows {
		src := ""
		if s, ok := p.resolution.Sources[r.key]; ok && s != profile.SourceDefault {
			src = SubtitleStyle.Render(" (" + s.String() + ")")
		}
		fmt.Fprintf(w, "  %-29s %s%s\n", r.key+":", profile.FormatValue(r.value), src)
	}
	fmt.Fprintln(w)
}

// writeStructured encodes v as indented JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	if format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	return nil
}
