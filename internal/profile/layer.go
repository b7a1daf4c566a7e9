// SPDX-License-Identifier: MPL-2.0

package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"

	"github.com/loractl/loractl/internal/cueutil"
	"github.com/loractl/loractl/internal/issue"
)

//go:embed profile_schema.cue
var profileSchema []byte

type (
	// Layer is one set of explicit parameter assignments from a single
	// source. Values hold already-typed values keyed by parameter key.
	Layer struct {
		Source   Source
		Origin   string
		Values   map[string]any
		Sections []string
		Unknown  []string
		Warnings []string
	}

	// envOverrides is the hyperparameter environment surface. Pointer
	// fields stay nil when the variable is absent.
	envOverrides struct {
		Resolution   *int     `env:"RESOLUTION"`
		MaxSteps     *int     `env:"MAX_STEPS"`
		Rank         *int     `env:"RANK"`
		Alpha        *float64 `env:"ALPHA"`
		Warmup       *int     `env:"WARMUP"`
		LearningRate *float64 `env:"LEARNING_RATE"`
		UNetLR       *float64 `env:"UNET_LR"`
		Scheduler    *string  `env:"SCHEDULER"`
		NoiseOffset  *float64 `env:"NOISE_OFFSET"`
		Dropout      *float64 `env:"DROPOUT"`
		SNRGamma     *float64 `env:"SNR_GAMMA"`
		GradAccum    *int     `env:"GRAD_ACCUM"`
		BatchSize    *int     `env:"BATCH_SIZE"`
		Seed         *int     `env:"SEED"`
		Optimizer    *string  `env:"OPTIMIZER"`
		MinBucket    *int     `env:"MIN_BUCKET"`
		MaxBucket    *int     `env:"MAX_BUCKET"`
	}
)

// Has reports whether the layer assigns key.
func (l Layer) Has(key string) bool {
	_, ok := l.Values[key]
	return ok
}

// LoadFile reads a profile TOML file. Sections are flattened into one key
// space; root keys come first, then sections in name order, and a key seen
// twice keeps the last value with a warning. Keys that are not parameters
// are reported in Unknown. A missing file yields an empty layer and a
// warning.
func LoadFile(path string) (Layer, error) {
	layer := Layer{Source: SourceFile, Origin: path, Values: map[string]any{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		layer.Warnings = append(layer.Warnings, fmt.Sprintf("profile file not found: %s (using built-in defaults)", path))
		return layer, nil
	}
	if err != nil {
		return Layer{}, issue.WrapWithContext(err, "read profile", path)
	}
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return Layer{}, err
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Layer{}, issue.NewErrorContext().
			WithOperation("parse profile").
			WithResource(path).
			WithSuggestion("Check the TOML syntax near the reported position").
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}

	flat, sections, dups := flatten(doc)
	layer.Sections = sections
	for _, k := range dups {
		layer.Warnings = append(layer.Warnings, fmt.Sprintf("%s: key %q appears in more than one section; the last one wins", path, k))
	}

	known := make(map[string]any, len(flat))
	for k, v := range flat {
		if IsKey(k) {
			known[k] = v
		} else {
			layer.Unknown = append(layer.Unknown, k)
		}
	}
	slices.Sort(layer.Unknown)

	if _, err := cueutil.DecodeValue[map[string]any](profileSchema, known, "#Profile", cueutil.WithFilename(path)); err != nil {
		return Layer{}, issue.NewErrorContext().
			WithOperation("validate profile").
			WithResource(path).
			WithSuggestion("Fix the reported key or remove it to fall back to the built-in default").
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}

	for _, k := range sortedKeys(known) {
		v, err := coerce(k, known[k])
		if err != nil {
			return Layer{}, issue.WrapWithContext(err, "validate profile", path)
		}
		layer.Values[k] = v
	}
	return layer, nil
}

// flatten merges every top-level table into the root key space.
func flatten(doc map[string]any) (flat map[string]any, sections, dups []string) {
	flat = make(map[string]any)
	for k, v := range doc {
		if _, isTable := v.(map[string]any); !isTable {
			flat[k] = v
		}
	}
	for k, v := range doc {
		if _, isTable := v.(map[string]any); isTable {
			sections = append(sections, k)
		}
	}
	slices.Sort(sections)
	for _, s := range sections {
		for k, v := range doc[s].(map[string]any) {
			if _, seen := flat[k]; seen {
				dups = append(dups, k)
			}
			flat[k] = v
		}
	}
	slices.Sort(dups)
	return flat, sections, slices.Compact(dups)
}

// EnvLayer decodes the hyperparameter variables from environ. Empty or
// whitespace-only values count as unset. UNET_LR takes precedence over
// LEARNING_RATE. Values that do not parse are errors.
func EnvLayer(environ map[string]string) (Layer, error) {
	filtered := make(map[string]string, len(environ))
	for k, v := range environ {
		if strings.TrimSpace(v) != "" {
			filtered[k] = strings.TrimSpace(v)
		}
	}

	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: filtered}); err != nil {
		return Layer{}, issue.NewErrorContext().
			WithOperation("read hyperparameter overrides").
			WithResource("environment").
			WithSuggestion("Unset or correct the reported variable").
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}

	layer := Layer{Source: SourceEnv, Origin: "environment", Values: map[string]any{}}
	put := func(key string, v any) { layer.Values[key] = v }
	if o.Resolution != nil {
		put(KeyResolution, *o.Resolution)
	}
	if o.MaxSteps != nil {
		put("max_train_steps", *o.MaxSteps)
	}
	if o.Rank != nil {
		put(KeyNetworkDim, *o.Rank)
	}
	if o.Alpha != nil {
		put(KeyNetworkAlpha, *o.Alpha)
	}
	if o.Warmup != nil {
		put("lr_warmup_steps", *o.Warmup)
	}
	if o.LearningRate != nil {
		put(KeyLearningRate, *o.LearningRate)
	}
	if o.UNetLR != nil {
		put(KeyLearningRate, *o.UNetLR)
	}
	if o.Scheduler != nil {
		put("lr_scheduler", *o.Scheduler)
	}
	if o.NoiseOffset != nil {
		put(KeyNoiseOffset, *o.NoiseOffset)
	}
	if o.Dropout != nil {
		put("network_dropout", *o.Dropout)
	}
	if o.SNRGamma != nil {
		put("min_snr_gamma", *o.SNRGamma)
	}
	if o.GradAccum != nil {
		put("gradient_accumulation_steps", *o.GradAccum)
	}
	if o.BatchSize != nil {
		put("train_batch_size", *o.BatchSize)
	}
	if o.Seed != nil {
		put("seed", *o.Seed)
	}
	if o.Optimizer != nil {
		put("optimizer_type", *o.Optimizer)
	}
	if o.MinBucket != nil {
		put(KeyMinBucketReso, *o.MinBucket)
	}
	if o.MaxBucket != nil {
		put(KeyMaxBucketReso, *o.MaxBucket)
	}
	return layer, nil
}

// Environ converts os.Environ-style entries into a map.
func Environ(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		if k, v, ok := strings.Cut(e, "="); ok {
			m[k] = v
		}
	}
	return m
}

// FlagLayer parses explicit key=value assignments. Keys are parameter
// names; the matching environment variable name is accepted as well.
func FlagLayer(sets []string) (Layer, error) {
	layer := Layer{Source: SourceFlag, Origin: "--set", Values: map[string]any{}}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return Layer{}, flagError(s, errors.New("expected key=value"))
		}
		key := canonicalKey(k)
		if key == "" {
			return Layer{}, flagError(s, fmt.Errorf("unknown parameter %q (known: %s)", k, strings.Join(Keys(), ", ")))
		}
		val, err := coerce(key, v)
		if err != nil {
			return Layer{}, flagError(s, err)
		}
		layer.Values[key] = val
	}
	return layer, nil
}

func flagError(assignment string, err error) error {
	return issue.NewErrorContext().
		WithOperation("parse --set").
		WithResource(assignment).
		WithSuggestion("Use --set <key>=<value>, for example --set blocks_to_swap=24").
		WithIssue(issue.ConfigInvalidId).
		Wrap(err).
		BuildError()
}

// canonicalKey maps a parameter key or its environment variable to the key.
func canonicalKey(k string) string {
	if IsKey(k) {
		return k
	}
	if strings.EqualFold(k, "UNET_LR") {
		return KeyLearningRate
	}
	for _, f := range fields {
		if f.env != "" && strings.EqualFold(f.env, k) {
			return f.key
		}
	}
	return ""
}
