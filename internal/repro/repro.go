// SPDX-License-Identifier: MPL-2.0

// Package repro captures what is needed to reproduce a training run and
// writes it next to the run's logs.
package repro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loractl/loractl/internal/gpu"
	"github.com/loractl/loractl/internal/profile"
	"github.com/loractl/loractl/internal/trainer"
)

// Unknown is recorded for facts that could not be determined.
const Unknown = "unknown"

// hyperparameterKeys is the subset of parameters copied into the record.
var hyperparameterKeys = []string{
	profile.KeyNetworkDim,
	profile.KeyNetworkAlpha,
	"max_train_steps",
	profile.KeyResolution,
	profile.KeyLearningRate,
	profile.KeyNoiseOffset,
	"network_dropout",
	"min_snr_gamma",
	"gradient_accumulation_steps",
	"seed",
}

type (
	// Input is what the caller already knows about the run.
	Input struct {
		RunName     string
		Resolution  *profile.Resolution
		Command     trainer.Command
		Workspace   string
		DatasetHash string
		Version     string
	}

	// Record is the content of repro.json.
	Record struct {
		TimestampUTC    string                    `json:"timestamp_utc"`
		RunID           string                    `json:"run_id"`
		RunName         string                    `json:"run_name"`
		Profile         string                    `json:"profile"`
		Hostname        string                    `json:"hostname"`
		GitCommit       string                    `json:"git_commit"`
		GitDirty        *bool                     `json:"git_dirty"`
		GPU             string                    `json:"gpu"`
		ToolVersion     string                    `json:"tool_version"`
		GoVersion       string                    `json:"go_version"`
		Hyperparameters map[string]any            `json:"hyperparameters"`
		Sources         map[string]profile.Source `json:"sources"`
		Adjustments     []profile.Adjustment      `json:"adjustments,omitempty"`
		Warnings        []string                  `json:"warnings,omitempty"`
		DatasetHash     string                    `json:"dataset_hash,omitempty"`
		Command         string                    `json:"command"`
	}

	// Collector gathers host facts. The function fields are seams for tests.
	Collector struct {
		Git      func(ctx context.Context, dir string, args ...string) (string, error)
		GPU      func(ctx context.Context) ([]gpu.Snapshot, error)
		Hostname func() (string, error)
		Now      func() time.Time
		NewID    func() string
	}
)

// NewCollector returns a Collector backed by git, nvidia-smi and the OS.
func NewCollector() *Collector {
	return &Collector{
		Git:      runGit,
		GPU:      gpu.Probe,
		Hostname: os.Hostname,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Collect gathers a Record with the default collector.
func Collect(ctx context.Context, in Input) Record {
	return NewCollector().Collect(ctx, in)
}

// Collect builds the record. Facts that cannot be determined are recorded
// as Unknown; collection itself never fails.
func (c *Collector) Collect(ctx context.Context, in Input) Record {
	rec := Record{
		TimestampUTC: c.Now().UTC().Format(time.RFC3339),
		RunID:        c.NewID(),
		RunName:      in.RunName,
		Hostname:     Unknown,
		GitCommit:    Unknown,
		GPU:          Unknown,
		ToolVersion:  in.Version,
		GoVersion:    runtime.Version(),
		DatasetHash:  in.DatasetHash,
		Command:      in.Command.String(),
	}
	if h, err := c.Hostname(); err == nil && h != "" {
		rec.Hostname = h
	}

	if commit, err := c.Git(ctx, in.Workspace, "rev-parse", "HEAD"); err == nil && commit != "" {
		rec.GitCommit = commit
		if status, err := c.Git(ctx, in.Workspace, "status", "--porcelain"); err == nil {
			dirty := status != ""
			rec.GitDirty = &dirty
		}
	}

	if snaps, err := c.GPU(ctx); err == nil && len(snaps) > 0 {
		rec.GPU = snaps[0].Summary()
	}

	if res := in.Resolution; res != nil {
		rec.Profile = res.Profile
		rec.Hyperparameters = make(map[string]any, len(hyperparameterKeys))
		for _, k := range hyperparameterKeys {
			rec.Hyperparameters[k] = res.Params.Get(k)
		}
		rec.Sources = res.Sources
		rec.Adjustments = res.Adjustments
		rec.Warnings = res.Warnings
	}
	return rec
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		return "", errors.New("no workspace directory")
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
