// SPDX-License-Identifier: MPL-2.0

package trainer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/issue"
)

// ErrMissingInputs is wrapped by preflight failures caused by absent files.
var ErrMissingInputs = errors.New("missing trainer inputs")

// Preflight checks that everything the trainer reads exists. Missing model
// files, trainer script, dataset directory or resume checkpoint are errors;
// a missing sample prompts file is returned as a warning.
func Preflight(paths config.Paths, opts Options) (warnings []string, err error) {
	var missing []string
	for _, f := range []string{
		filepath.Join(paths.ModelPath, FluxModelFile),
		filepath.Join(paths.ModelPath, AutoencoderFile),
		filepath.Join(paths.TextEncoderPath, ClipLFile),
		filepath.Join(paths.TextEncoderPath, T5XXLFile),
		paths.TrainerScript(),
	} {
		if !isFile(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, issue.NewErrorContext().
			WithOperation("preflight trainer").
			WithResource(strings.Join(missing, ", ")).
			WithSuggestion("Set MODEL_PATH and TEXT_ENCODER_PATH to the directories holding the FLUX weights").
			WithSuggestion("Set SDSCRIPTS to an sd-scripts checkout with flux_train_network.py").
			WithIssue(issue.ModelFilesMissingId).
			Wrap(fmt.Errorf("%w: %d file(s) not found", ErrMissingInputs, len(missing))).
			BuildError()
	}

	if info, statErr := os.Stat(paths.DataDir); statErr != nil || !info.IsDir() {
		return nil, issue.NewErrorContext().
			WithOperation("preflight trainer").
			WithResource(paths.DataDir).
			WithSuggestion("Set DATA_DIR to the directory holding image and caption pairs").
			WithIssue(issue.DatasetInvalidId).
			Wrap(fmt.Errorf("%w: dataset directory not found", ErrMissingInputs)).
			BuildError()
	}

	if opts.ResumeFrom != "" && !isFile(opts.ResumeFrom) {
		return nil, issue.NewErrorContext().
			WithOperation("preflight trainer").
			WithResource(opts.ResumeFrom).
			WithSuggestion("Point RESUME_FROM or --resume at an existing .safetensors checkpoint").
			WithSuggestion("Unset RESUME_FROM to start from scratch").
			WithIssue(issue.ConfigInvalidId).
			Wrap(fmt.Errorf("%w: resume checkpoint not found", ErrMissingInputs)).
			BuildError()
	}

	if !isFile(paths.SamplePrompts) {
		warnings = append(warnings, fmt.Sprintf("sample prompts not found: %s (the trainer will skip sampling)", paths.SamplePrompts))
	}
	return warnings, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
