// SPDX-License-Identifier: MPL-2.0

package trainer

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"mvdan.cc/sh/v3/shell"

	"github.com/loractl/loractl/internal/issue"
)

// RunNameLayout is the timestamp layout of generated run names.
const RunNameLayout = "20060102_150405"

// RunEnv is the run-level environment surface.
type RunEnv struct {
	RunName            string `env:"RUN_NAME"`
	ResumeFrom         string `env:"RESUME_FROM"`
	FP8Base            string `env:"FP8_BASE"`
	AllowAlphaMismatch string `env:"ALLOW_ALPHA_MISMATCH"`
	ExtraArgs          string `env:"TRAINER_EXTRA_ARGS"`
}

// ParseRunEnv reads the run-level variables from environ.
func ParseRunEnv(environ map[string]string) (RunEnv, error) {
	var re RunEnv
	if err := env.ParseWithOptions(&re, env.Options{Environment: environ}); err != nil {
		return RunEnv{}, fmt.Errorf("failed to read run environment: %w", err)
	}
	re.RunName = strings.TrimSpace(re.RunName)
	re.ResumeFrom = strings.TrimSpace(re.ResumeFrom)
	return re, nil
}

// FP8 reports whether FP8_BASE=1.
func (re RunEnv) FP8() bool { return strings.TrimSpace(re.FP8Base) == "1" }

// AllowMismatch reports whether ALLOW_ALPHA_MISMATCH is 1 or true.
func (re RunEnv) AllowMismatch() bool {
	switch strings.ToLower(strings.TrimSpace(re.AllowAlphaMismatch)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Extra splits TRAINER_EXTRA_ARGS with POSIX shell word rules. Parameter
// expansion is not performed.
func (re RunEnv) Extra() ([]string, error) {
	if strings.TrimSpace(re.ExtraArgs) == "" {
		return nil, nil
	}
	args, err := shell.Fields(re.ExtraArgs, func(string) string { return "" })
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("split TRAINER_EXTRA_ARGS").
			WithResource(re.ExtraArgs).
			WithSuggestion("Check the quoting of TRAINER_EXTRA_ARGS").
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}
	return args, nil
}

// RunName picks the run name: the explicit flag, then RUN_NAME, then a
// generated flux_<profile>_<timestamp>.
func RunName(flagValue string, re RunEnv, profileName string, now time.Time) string {
	if s := strings.TrimSpace(flagValue); s != "" {
		return s
	}
	if re.RunName != "" {
		return re.RunName
	}
	return "flux_" + profileName + "_" + now.Format(RunNameLayout)
}
