// SPDX-License-Identifier: MPL-2.0

// Package issue holds the troubleshooting catalog and the actionable error
// type used for every user-facing failure.
//
// Catalog entries carry a Markdown body rendered with glamour and a table of
// suggested configuration changes. Diagnose maps trainer log symptoms to
// entries.
package issue
