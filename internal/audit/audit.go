// SPDX-License-Identifier: MPL-2.0

// Package audit checks that the profile files, the resolver and the
// assembled trainer command agree with each other, and reports drift
// between the built-in defaults and what the profile files change.
package audit

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/profile"
	"github.com/loractl/loractl/internal/trainer"
)

const (
	LevelOK   Level = "OK"
	LevelWarn Level = "WARN"
	LevelFail Level = "FAIL"
)

// RequiredSections must be present as tables in every profile file.
var RequiredSections = []string{"network", "training"}

type (
	// Level grades a finding.
	Level string

	// Finding is the outcome of one check.
	Finding struct {
		Level   Level  `json:"level"`
		Check   string `json:"check"`
		Message string `json:"message"`
	}

	// ProfileReport groups the findings for one profile.
	ProfileReport struct {
		Profile     string           `json:"profile"`
		File        string           `json:"file"`
		Findings    []Finding        `json:"findings"`
		UnknownKeys []string         `json:"unknown_keys,omitempty"`
		Drift       string           `json:"drift,omitempty"`
		Command     *trainer.Command `json:"command,omitempty"`
	}

	// Report is the full audit.
	Report struct {
		Profiles []ProfileReport `json:"profiles"`
	}

	// Options select what is audited.
	Options struct {
		Paths config.Paths
		// Profiles defaults to every built-in profile.
		Profiles []string
		// Environ, when non-nil, is applied as the environment layer so the
		// audit sees what a real invocation would.
		Environ map[string]string
	}
)

// Run audits every selected profile. It only fails on programming errors;
// problems with the profiles are reported as findings.
func Run(opts Options) (*Report, error) {
	names := opts.Profiles
	if len(names) == 0 {
		names = profile.Names()
	}
	report := &Report{}
	for _, name := range names {
		if !slices.Contains(profile.Names(), name) {
			return nil, fmt.Errorf("unknown profile %q (known: %s)", name, strings.Join(profile.Names(), ", "))
		}
		report.Profiles = append(report.Profiles, auditProfile(name, opts))
	}
	return report, nil
}

func auditProfile(name string, opts Options) ProfileReport {
	path := opts.Paths.ProfileFile(name)
	pr := ProfileReport{Profile: name, File: path}
	add := func(level Level, check, format string, args ...any) {
		pr.Findings = append(pr.Findings, Finding{Level: level, Check: check, Message: fmt.Sprintf(format, args...)})
	}

	if f, ok := checkTOML(path); ok {
		add(LevelOK, "toml", "%s is valid TOML with required sections", path)
	} else {
		add(LevelFail, "toml", "%s", f)
	}

	fileLayer, err := profile.LoadFile(path)
	if err != nil {
		add(LevelFail, "resolve", "%v", err)
		return pr
	}
	layers := []profile.Layer{fileLayer}
	if opts.Environ != nil {
		envLayer, err := profile.EnvLayer(opts.Environ)
		if err != nil {
			add(LevelFail, "resolve", "%v", err)
			return pr
		}
		layers = append(layers, envLayer)
	}

	res, err := profile.Resolve(name, profile.ResolveOptions{AllowAlphaMismatch: true}, layers...)
	if err != nil {
		add(LevelFail, "resolve", "%v", err)
		return pr
	}
	pr.UnknownKeys = res.UnknownKeys
	for _, k := range res.UnknownKeys {
		add(LevelWarn, "drift", "key %q in %s is not a trainer parameter and is ignored", k, path)
	}

	if drift, err := fileDrift(name, fileLayer); err == nil {
		pr.Drift = drift
	}

	p := res.Params
	cmd := trainer.Build(p, opts.Paths, trainer.Options{RunName: "audit_" + name})
	pr.Command = &cmd

	if p.NetworkAlpha == float64(p.NetworkDim) {
		add(LevelOK, "alpha", "network_alpha (%s) == network_dim (%d)", profile.FormatValue(p.NetworkAlpha), p.NetworkDim)
	} else {
		add(LevelFail, "alpha", "network_alpha (%s) != network_dim (%d)", profile.FormatValue(p.NetworkAlpha), p.NetworkDim)
	}

	if p.NoiseOffset > 0 {
		if _, ok := cmd.Flag("noise_offset"); ok {
			add(LevelOK, "noise_offset", "noise_offset=%s in command", profile.FormatValue(p.NoiseOffset))
		} else {
			add(LevelWarn, "noise_offset", "noise_offset=%s set but not found in command", profile.FormatValue(p.NoiseOffset))
		}
	} else {
		add(LevelWarn, "noise_offset", "noise_offset is 0 (expected ~%s)", profile.FormatValue(expectedNoise(name)))
	}

	if name == profile.Final {
		if p.NetworkDropout > 0 {
			add(LevelOK, "network_dropout", "network_dropout=%s", profile.FormatValue(p.NetworkDropout))
		} else {
			add(LevelWarn, "network_dropout", "network_dropout is 0 (expected 0.1 for final)")
		}
		if p.MinSNRGamma > 0 {
			add(LevelOK, "min_snr_gamma", "min_snr_gamma=%s", profile.FormatValue(p.MinSNRGamma))
		} else {
			add(LevelWarn, "min_snr_gamma", "min_snr_gamma is 0 (expected 5.0 for final)")
		}
	}

	if p.GradientAccumulationSteps > 1 {
		add(LevelOK, "gradient_accumulation_steps", "gradient_accumulation_steps=%d", p.GradientAccumulationSteps)
	} else {
		add(LevelWarn, "gradient_accumulation_steps", "gradient_accumulation_steps not set (expected 4)")
	}

	for _, flag := range trainer.FluxRequired {
		if cmd.Has(flag) {
			add(LevelOK, "flux", "FLUX param %s present", strings.SplitN(flag, "=", 2)[0])
		} else {
			add(LevelFail, "flux", "missing FLUX param: %s", flag)
		}
	}

	if cmd.Has("--network_module=" + trainer.NetworkModule) {
		add(LevelOK, "network_module", "network_module is %s", trainer.NetworkModule)
	} else {
		add(LevelFail, "network_module", "network_module should be %s", trainer.NetworkModule)
	}
	return pr
}

func expectedNoise(name string) float64 {
	d, err := profile.Defaults(name)
	if err != nil {
		return 0
	}
	return d.NoiseOffset
}

// checkTOML reports why path is not a usable profile file.
func checkTOML(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "profile file not found: " + path, false
	}
	if err != nil {
		return err.Error(), false
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Sprintf("%s parse error: %v", path, err), false
	}
	var missing []string
	for _, s := range RequiredSections {
		if _, ok := doc[s].(map[string]any); !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("%s missing sections: %s", path, strings.Join(missing, ", ")), false
	}
	return "", true
}

// fileDrift diffs the built-in defaults against defaults plus the file.
func fileDrift(name string, file profile.Layer) (string, error) {
	defaults, err := profile.Resolve(name, profile.ResolveOptions{})
	if err != nil {
		return "", err
	}
	withFile, err := profile.Resolve(name, profile.ResolveOptions{AllowAlphaMismatch: true}, file)
	if err != nil {
		return "", err
	}
	return profile.Diff("defaults/"+name, file.Origin, defaults.Params, withFile.Params)
}

// Passed reports whether no check failed.
func (r *Report) Passed() bool {
	_, _, fail := r.Counts()
	return fail == 0
}

// Counts tallies findings by level.
func (r *Report) Counts() (ok, warn, fail int) {
	for _, p := range r.Profiles {
		for _, f := range p.Findings {
			switch f.Level {
			case LevelOK:
				ok++
			case LevelWarn:
				warn++
			case LevelFail:
				fail++
			}
		}
	}
	return ok, warn, fail
}
