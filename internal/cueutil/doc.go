// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates configuration input against embedded CUE schemas
// and formats CUE errors with field paths.
package cueutil
