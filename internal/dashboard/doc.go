// SPDX-License-Identifier: MPL-2.0

// Package dashboard renders live training progress by polling the trainer
// log, the GPU and the sample image directory. The interactive view is a
// bubbletea program; a plain progress bar is used when output is not a
// terminal.
package dashboard
