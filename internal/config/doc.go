// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as
// the file format.
//
// Values resolve in order of increasing precedence: built-in defaults, the
// config.cue file in the user config directory, environment variables
// (WORKSPACE, SDSCRIPTS, MODEL_PATH, TEXT_ENCODER_PATH, DATA_DIR, OUT_DIR,
// LOG_DIR, SAMPLE_PROMPTS, and LORACTL_<SECTION>_<KEY>), then explicit
// options such as --workspace. Paths left unset are derived from the
// workspace root. Training hyperparameters are resolved separately by the
// profile package.
package config
