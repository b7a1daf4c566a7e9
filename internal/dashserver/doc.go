// SPDX-License-Identifier: MPL-2.0

// Package dashserver serves the training dashboard over SSH with Wish. Every
// session gets its own bubbletea program; all sessions share one poll
// source.
package dashserver
