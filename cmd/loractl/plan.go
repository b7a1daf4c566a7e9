// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/profile"
	"github.com/loractl/loractl/internal/trainer"
)

type (
	// planFlags are the run-shaping flags shared by build and train.
	planFlags struct {
		profile       string
		runName       string
		sets          []string
		resume        string
		fp8Base       bool
		allowMismatch bool
	}

	// plan is a fully resolved trainer invocation.
	plan struct {
		cfg        *config.Config
		resolution *profile.Resolution
		runName    string
		options    trainer.Options
		command    trainer.Command
	}
)

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.profile, "profile", "p", profile.Fast, "training profile ("+strings.Join(profile.Names(), "|")+")")
	cmd.Flags().StringVarP(&f.runName, "run-name", "r", "", "run name (default RUN_NAME or flux_<profile>_<timestamp>)")
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "override a parameter, key=value (repeatable)")
	cmd.Flags().StringVar(&f.resume, "resume", "", "resume from LoRA weights (default RESUME_FROM)")
	cmd.Flags().BoolVar(&f.fp8Base, "fp8-base", false, "load the base model in fp8 (default FP8_BASE=1)")
	cmd.Flags().BoolVar(&f.allowMismatch, "allow-alpha-mismatch", false, "allow an explicit network_alpha that differs from network_dim")
}

// resolvePlan loads the configuration, resolves the profile over file, env
// and flag layers and assembles the trainer command.
func (a *App) resolvePlan(ctx context.Context, f planFlags) (*plan, error) {
	if !slices.Contains(profile.Names(), f.profile) {
		return nil, issue.NewErrorContext().
			WithOperation("select profile").
			WithResource(f.profile).
			WithSuggestion("Use --profile " + strings.Join(profile.Names(), " or --profile ")).
			WithIssue(issue.ConfigInvalidId).
			Wrap(fmt.Errorf("unknown profile %q", f.profile)).
			BuildError()
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	// The config loader applies the workspace .env, so the environment is
	// read afterwards.
	environ := profile.Environ(a.Environ())
	runEnv, err := trainer.ParseRunEnv(environ)
	if err != nil {
		return nil, err
	}

	file, err := profile.LoadFile(cfg.Paths.ProfileFile(f.profile))
	if err != nil {
		return nil, err
	}
	envLayer, err := profile.EnvLayer(environ)
	if err != nil {
		return nil, err
	}
	flagLayer, err := profile.FlagLayer(f.sets)
	if err != nil {
		return nil, err
	}

	res, err := profile.Resolve(f.profile, profile.ResolveOptions{
		AllowAlphaMismatch: f.allowMismatch || runEnv.AllowMismatch(),
	}, file, envLayer, flagLayer)
	if err != nil {
		return nil, err
	}

	extra, err := runEnv.Extra()
	if err != nil {
		return nil, err
	}
	resume := strings.TrimSpace(f.resume)
	if resume == "" {
		resume = runEnv.ResumeFrom
	}

	p := &plan{
		cfg:        cfg,
		resolution: res,
		runName:    trainer.RunName(f.runName, runEnv, f.profile, a.Now()),
	}
	p.options = trainer.Options{
		RunName:    p.runName,
		Launcher:   cfg.Trainer.Launcher,
		Python:     cfg.Trainer.Python,
		FP8Base:    f.fp8Base || runEnv.FP8(),
		ResumeFrom: resume,
		ExtraArgs:  extra,
	}
	p.command = trainer.Build(res.Params, cfg.Paths, p.options)

	for _, w := range res.Warnings {
		a.Logger.Warn(w)
	}
	for _, adj := range res.Adjustments {
		a.Logger.Info("adjusted parameter", "key", adj.Key,
			"from", profile.FormatValue(adj.From), "to", profile.FormatValue(adj.To), "reason", adj.Reason)
	}
	a.Logger.Debug("resolved profile", "profile", f.profile, "run", p.runName, "origin", res.Origins[profile.SourceFile])
	return p, nil
}
