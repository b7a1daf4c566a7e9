// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff of two parameter sets, one "key = value" line
// per parameter. It is empty when both sets are equal.
func Diff(fromName, toName string, from, to Params) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(from.Lines()),
		B:        withNewlines(to.Lines()),
		FromFile: fromName,
		ToFile:   toName,
		Context:  1,
	})
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}
