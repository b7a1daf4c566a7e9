// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

const (
	// Fast is the quick iteration profile.
	Fast = "fast"
	// Final is the full quality profile.
	Final = "final"
)

const (
	// SourceDefault marks a value from the built-in profile bundle.
	SourceDefault Source = iota
	// SourceFile marks a value from configs/flux_<profile>.toml.
	SourceFile
	// SourceEnv marks a value from an environment variable.
	SourceEnv
	// SourceFlag marks a value from an explicit --set assignment.
	SourceFlag
)

const (
	kindInt kind = iota
	kindFloat
	kindString
)

type (
	// Source identifies the layer a resolved value came from. Higher values
	// take precedence.
	Source int

	kind int

	// Params is the flat set of trainer hyperparameters. Keys match the
	// sd-scripts flag names.
	Params struct {
		Resolution                int     `json:"resolution" yaml:"resolution"`
		MaxTrainSteps             int     `json:"max_train_steps" yaml:"max_train_steps"`
		NetworkDim                int     `json:"network_dim" yaml:"network_dim"`
		NetworkAlpha              float64 `json:"network_alpha" yaml:"network_alpha"`
		LRWarmupSteps             int     `json:"lr_warmup_steps" yaml:"lr_warmup_steps"`
		LearningRate              float64 `json:"learning_rate" yaml:"learning_rate"`
		LRScheduler               string  `json:"lr_scheduler" yaml:"lr_scheduler"`
		LRSchedulerNumCycles      int     `json:"lr_scheduler_num_cycles" yaml:"lr_scheduler_num_cycles"`
		NoiseOffset               float64 `json:"noise_offset" yaml:"noise_offset"`
		NetworkDropout            float64 `json:"network_dropout" yaml:"network_dropout"`
		MinSNRGamma               float64 `json:"min_snr_gamma" yaml:"min_snr_gamma"`
		GradientAccumulationSteps int     `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
		TrainBatchSize            int     `json:"train_batch_size" yaml:"train_batch_size"`
		Seed                      int     `json:"seed" yaml:"seed"`
		OptimizerType             string  `json:"optimizer_type" yaml:"optimizer_type"`
		MinBucketReso             int     `json:"min_bucket_reso" yaml:"min_bucket_reso"`
		MaxBucketReso             int     `json:"max_bucket_reso" yaml:"max_bucket_reso"`
		MixedPrecision            string  `json:"mixed_precision" yaml:"mixed_precision"`
		SavePrecision             string  `json:"save_precision" yaml:"save_precision"`
		BlocksToSwap              int     `json:"blocks_to_swap" yaml:"blocks_to_swap"`
		KeepTokens                int     `json:"keep_tokens" yaml:"keep_tokens"`
		SaveEveryNSteps           int     `json:"save_every_n_steps" yaml:"save_every_n_steps"`
		SampleEveryNSteps         int     `json:"sample_every_n_steps" yaml:"sample_every_n_steps"`
		SampleSampler             string  `json:"sample_sampler" yaml:"sample_sampler"`
		MaxDataLoaderNWorkers     int     `json:"max_data_loader_n_workers" yaml:"max_data_loader_n_workers"`
	}

	// Field is one key/value pair of Params in declaration order.
	Field struct {
		Key   string
		Value any
	}

	field struct {
		key  string
		env  string
		kind kind
		ptr  func(*Params) any
	}
)

// Parameter keys referenced by the resolver rules.
const (
	KeyResolution    = "resolution"
	KeyNetworkDim    = "network_dim"
	KeyNetworkAlpha  = "network_alpha"
	KeyLearningRate  = "learning_rate"
	KeyNoiseOffset   = "noise_offset"
	KeyMinBucketReso = "min_bucket_reso"
	KeyMaxBucketReso = "max_bucket_reso"
)

var (
	fields = []field{
		{KeyResolution, "RESOLUTION", kindInt, func(p *Params) any { return &p.Resolution }},
		{"max_train_steps", "MAX_STEPS", kindInt, func(p *Params) any { return &p.MaxTrainSteps }},
		{KeyNetworkDim, "RANK", kindInt, func(p *Params) any { return &p.NetworkDim }},
		{KeyNetworkAlpha, "ALPHA", kindFloat, func(p *Params) any { return &p.NetworkAlpha }},
		{"lr_warmup_steps", "WARMUP", kindInt, func(p *Params) any { return &p.LRWarmupSteps }},
		{KeyLearningRate, "LEARNING_RATE", kindFloat, func(p *Params) any { return &p.LearningRate }},
		{"lr_scheduler", "SCHEDULER", kindString, func(p *Params) any { return &p.LRScheduler }},
		{"lr_scheduler_num_cycles", "", kindInt, func(p *Params) any { return &p.LRSchedulerNumCycles }},
		{KeyNoiseOffset, "NOISE_OFFSET", kindFloat, func(p *Params) any { return &p.NoiseOffset }},
		{"network_dropout", "DROPOUT", kindFloat, func(p *Params) any { return &p.NetworkDropout }},
		{"min_snr_gamma", "SNR_GAMMA", kindFloat, func(p *Params) any { return &p.MinSNRGamma }},
		{"gradient_accumulation_steps", "GRAD_ACCUM", kindInt, func(p *Params) any { return &p.GradientAccumulationSteps }},
		{"train_batch_size", "BATCH_SIZE", kindInt, func(p *Params) any { return &p.TrainBatchSize }},
		{"seed", "SEED", kindInt, func(p *Params) any { return &p.Seed }},
		{"optimizer_type", "OPTIMIZER", kindString, func(p *Params) any { return &p.OptimizerType }},
		{KeyMinBucketReso, "MIN_BUCKET", kindInt, func(p *Params) any { return &p.MinBucketReso }},
		{KeyMaxBucketReso, "MAX_BUCKET", kindInt, func(p *Params) any { return &p.MaxBucketReso }},
		{"mixed_precision", "", kindString, func(p *Params) any { return &p.MixedPrecision }},
		{"save_precision", "", kindString, func(p *Params) any { return &p.SavePrecision }},
		{"blocks_to_swap", "", kindInt, func(p *Params) any { return &p.BlocksToSwap }},
		{"keep_tokens", "", kindInt, func(p *Params) any { return &p.KeepTokens }},
		{"save_every_n_steps", "", kindInt, func(p *Params) any { return &p.SaveEveryNSteps }},
		{"sample_every_n_steps", "", kindInt, func(p *Params) any { return &p.SampleEveryNSteps }},
		{"sample_sampler", "", kindString, func(p *Params) any { return &p.SampleSampler }},
		{"max_data_loader_n_workers", "", kindInt, func(p *Params) any { return &p.MaxDataLoaderNWorkers }},
	}

	fieldIndex = func() map[string]field {
		m := make(map[string]field, len(fields))
		for _, f := range fields {
			m[f.key] = f
		}
		return m
	}()

	shared = Params{
		LRSchedulerNumCycles:      1,
		GradientAccumulationSteps: 4,
		TrainBatchSize:            1,
		Seed:                      42,
		OptimizerType:             "AdamW8bit",
		LearningRate:              1e-4,
		MixedPrecision:            "bf16",
		SavePrecision:             "bf16",
		BlocksToSwap:              18,
		KeepTokens:                1,
		SaveEveryNSteps:           500,
		SampleEveryNSteps:         250,
		SampleSampler:             "euler",
		MaxDataLoaderNWorkers:     2,
	}
)

// Names returns the built-in profile names.
func Names() []string {
	return []string{Fast, Final}
}

// Defaults returns the built-in parameter bundle for a profile.
func Defaults(name string) (Params, error) {
	p := shared
	switch name {
	case Fast:
		p.Resolution = 512
		p.MaxTrainSteps = 1500
		p.NetworkDim = 32
		p.NetworkAlpha = 32
		p.LRWarmupSteps = 100
		p.LRScheduler = "constant_with_warmup"
		p.NoiseOffset = 0.05
		p.MinBucketReso = 256
		p.MaxBucketReso = 768
	case Final:
		p.Resolution = 768
		p.MaxTrainSteps = 2500
		p.NetworkDim = 64
		p.NetworkAlpha = 64
		p.LRWarmupSteps = 500
		p.LRScheduler = "cosine_with_restarts"
		p.NoiseOffset = 0.1
		p.NetworkDropout = 0.1
		p.MinSNRGamma = 5.0
		p.MinBucketReso = 384
		p.MaxBucketReso = 1024
	default:
		return Params{}, fmt.Errorf("unknown profile %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Keys returns every parameter key in declaration order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// IsKey reports whether key names a parameter.
func IsKey(key string) bool {
	_, ok := fieldIndex[key]
	return ok
}

// EnvVar returns the environment variable that overrides key, if any.
func EnvVar(key string) string {
	return fieldIndex[key].env
}

// Fields lists the parameters in declaration order.
func (p Params) Fields() []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Key: f.key, Value: p.Get(f.key)}
	}
	return out
}

// Get returns the value of key, or nil for an unknown key.
func (p Params) Get(key string) any {
	f, ok := fieldIndex[key]
	if !ok {
		return nil
	}
	switch ptr := f.ptr(&p).(type) {
	case *int:
		return *ptr
	case *float64:
		return *ptr
	case *string:
		return *ptr
	}
	return nil
}

// set assigns a value already converted by coerce.
func (p *Params) set(key string, v any) {
	f := fieldIndex[key]
	switch ptr := f.ptr(p).(type) {
	case *int:
		*ptr = v.(int)
	case *float64:
		*ptr = v.(float64)
	case *string:
		*ptr = v.(string)
	}
}

// Lines renders "key = value" per parameter, for diffs and listings.
func (p Params) Lines() []string {
	out := make([]string, 0, len(fields))
	for _, f := range p.Fields() {
		out = append(out, f.Key+" = "+FormatValue(f.Value))
	}
	return out
}

// FormatValue renders a parameter value the way it appears on the trainer
// command line: integral floats without a decimal point, others in the
// shortest round-trip form.
func FormatValue(v any) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(v)
	}
}

// coerce converts raw (from TOML, env or a flag) to the Go type of key.
func coerce(key string, raw any) (any, error) {
	f, ok := fieldIndex[key]
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", key)
	}
	switch f.kind {
	case kindInt:
		switch x := raw.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("%s: expected an integer, got %v", key, x)
			}
			return int(x), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%s: expected an integer, got %q", key, x)
			}
			return n, nil
		}
	case kindFloat:
		switch x := raw.(type) {
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: expected a number, got %q", key, x)
			}
			return n, nil
		}
	case kindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s: unsupported value %v (%T)", key, raw, raw)
}

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceFile:
		return "file"
	case SourceEnv:
		return "env"
	case SourceFlag:
		return "flag"
	default:
		return "Source(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText renders the source name in JSON and YAML output.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a source name written by MarshalText.
func (s *Source) UnmarshalText(text []byte) error {
	for _, c := range []Source{SourceDefault, SourceFile, SourceEnv, SourceFlag} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown source %q", text)
}

// sortedKeys returns the keys of m that are parameters, in declaration order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for _, f := range fields {
		if _, ok := m[f.key]; ok {
			keys = append(keys, f.key)
		}
	}
	return slices.Clip(keys)
}
