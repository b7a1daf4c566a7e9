// SPDX-License-Identifier: MPL-2.0

// Package profile resolves training hyperparameters.
//
// A resolution starts from a built-in profile (fast or final) and applies
// layers in order of precedence: the profile TOML file, environment
// variables, then explicit --set assignments. Every resolved value records
// the layer it came from. After merging, network_alpha follows network_dim
// unless alpha was set explicitly at the same or a higher layer, and the
// bucket range is widened to bracket the training resolution.
package profile
