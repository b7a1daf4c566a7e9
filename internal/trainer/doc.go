// SPDX-License-Identifier: MPL-2.0

// Package trainer assembles the sd-scripts FLUX LoRA invocation from resolved
// hyperparameters, checks that its inputs exist and runs it as a child
// process. Exit codes are propagated unchanged to the caller.
package trainer
