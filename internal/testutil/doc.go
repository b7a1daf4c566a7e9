// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers that fail the test on error, plus
// fixtures for training workspaces and datasets.
package testutil
