// SPDX-License-Identifier: MPL-2.0

package trainer

import (
	"path/filepath"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/profile"
)

const (
	// NetworkModule is the sd-scripts LoRA module for FLUX.
	NetworkModule = "networks.lora_flux"

	// Model and encoder file names expected under the model directories.
	FluxModelFile   = "flux1-dev.safetensors"
	AutoencoderFile = "ae.safetensors"
	ClipLFile       = "clip_l.safetensors"
	T5XXLFile       = "t5xxl_fp16.safetensors"
)

// FluxRequired are the flags FLUX.1-dev training does not work without.
var FluxRequired = []string{
	"--guidance_scale=1.0",
	"--timestep_sampling=flux_shift",
	"--model_prediction_type=raw",
	"--discrete_flow_shift=1.0",
}

type (
	// Options are the per-run settings that shape the command besides the
	// hyperparameters.
	Options struct {
		RunName    string
		Launcher   config.Launcher
		Python     string
		FP8Base    bool
		ResumeFrom string
		ExtraArgs  []string
	}

	// Command is an argv ready to execute.
	Command struct {
		Program string   `json:"program" yaml:"program"`
		Args    []string `json:"args" yaml:"args"`
	}
)

// Build assembles the trainer command. Flag order is stable so that the
// rendered command can be diffed between runs.
func Build(p profile.Params, paths config.Paths, opts Options) Command {
	var cmd Command
	script := paths.TrainerScript()
	switch opts.Launcher {
	case config.LauncherPython:
		cmd.Program = opts.Python
		if cmd.Program == "" {
			cmd.Program = "python3"
		}
		cmd.Args = []string{script}
	default:
		cmd.Program = "accelerate"
		cmd.Args = []string{"launch", "--num_cpu_threads_per_process", "1", script}
	}

	a := &cmd.Args
	flag := func(name string, v any) { *a = append(*a, "--"+name+"="+profile.FormatValue(v)) }
	on := func(name string) { *a = append(*a, "--"+name) }

	flag("pretrained_model_name_or_path", filepath.Join(paths.ModelPath, FluxModelFile))
	flag("clip_l", filepath.Join(paths.TextEncoderPath, ClipLFile))
	flag("t5xxl", filepath.Join(paths.TextEncoderPath, T5XXLFile))
	flag("ae", filepath.Join(paths.ModelPath, AutoencoderFile))

	flag("train_data_dir", paths.DataDir)

	flag("output_dir", paths.OutputDir)
	flag("output_name", opts.RunName)
	flag("save_model_as", "safetensors")

	flag("network_module", NetworkModule)
	flag("network_dim", p.NetworkDim)
	flag("network_alpha", p.NetworkAlpha)
	if p.NetworkDropout > 0 {
		flag("network_dropout", p.NetworkDropout)
	}

	flag("learning_rate", p.LearningRate)
	flag("optimizer_type", p.OptimizerType)
	flag("lr_scheduler", p.LRScheduler)
	flag("lr_warmup_steps", p.LRWarmupSteps)
	if p.LRScheduler == "cosine" || p.LRScheduler == "cosine_with_restarts" {
		flag("lr_scheduler_num_cycles", p.LRSchedulerNumCycles)
	}
	if p.GradientAccumulationSteps > 1 {
		flag("gradient_accumulation_steps", p.GradientAccumulationSteps)
	}

	on("sdpa")
	flag("mixed_precision", p.MixedPrecision)
	on("gradient_checkpointing")
	if opts.FP8Base {
		on("fp8_base")
	}

	*a = append(*a, FluxRequired...)

	flag("blocks_to_swap", p.BlocksToSwap)
	on("cache_text_encoder_outputs")
	on("cache_latents")
	on("cache_latents_to_disk")

	flag("resolution", p.Resolution)
	on("enable_bucket")
	flag("min_bucket_reso", p.MinBucketReso)
	flag("max_bucket_reso", p.MaxBucketReso)
	flag("bucket_reso_steps", 64)

	flag("train_batch_size", p.TrainBatchSize)
	flag("max_train_steps", p.MaxTrainSteps)
	if p.NoiseOffset > 0 {
		flag("noise_offset", p.NoiseOffset)
	}
	if p.MinSNRGamma > 0 {
		flag("min_snr_gamma", p.MinSNRGamma)
	}

	flag("caption_extension", ".txt")
	flag("keep_tokens", p.KeepTokens)

	flag("save_every_n_steps", p.SaveEveryNSteps)
	flag("save_precision", p.SavePrecision)

	flag("sample_every_n_steps", p.SampleEveryNSteps)
	flag("sample_prompts", paths.SamplePrompts)
	flag("sample_sampler", p.SampleSampler)

	flag("logging_dir", paths.LogDir)
	flag("seed", p.Seed)
	if p.MaxDataLoaderNWorkers > 0 {
		flag("max_data_loader_n_workers", p.MaxDataLoaderNWorkers)
	}

	if opts.ResumeFrom != "" {
		flag("network_weights", opts.ResumeFrom)
	}
	*a = append(*a, opts.ExtraArgs...)
	return cmd
}

// Argv returns the program followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Program}, c.Args...)
}

// String renders the command so that it can be pasted into a POSIX shell.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, s := range c.Argv() {
		parts = append(parts, quote(s))
	}
	return strings.Join(parts, " ")
}

// Flag returns the value of --name=value, if present.
func (c Command) Flag(name string) (string, bool) {
	prefix := "--" + name + "="
	for _, a := range c.Args {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v, true
		}
	}
	return "", false
}

// Has reports whether the exact argument is present.
func (c Command) Has(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// quote leaves plain words alone and quotes the rest for bash.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		// Only strings with invalid UTF-8 or NUL bytes reach here.
		return strconv.Quote(s)
	}
	return q
}
