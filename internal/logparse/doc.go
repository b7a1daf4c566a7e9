// SPDX-License-Identifier: MPL-2.0

// Package logparse extracts structured training progress from the unstructured
// output the external trainer appends to its log file.
//
// The trainer renders progress through tqdm, which rewrites the current line
// with carriage returns, so lines are split on both '\n' and '\r'. Parsing is
// stateless per line; Scan folds a stream of lines into the most recent State.
package logparse
