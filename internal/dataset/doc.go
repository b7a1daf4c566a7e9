// SPDX-License-Identifier: MPL-2.0

// Package dataset checks the image/caption contract of a training dataset,
// fingerprints it for reproducibility and produces an analysis report with
// resolution and caption recommendations.
package dataset
