// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/config"
	"github.com/loractl/loractl/internal/issue"
)

func newHintsCommand(app *App) *cobra.Command {
	var tableOnly bool
	cmd := &cobra.Command{
		Use:   "hints [issue...]",
		Short: "Print the troubleshooting catalog",
		Long: `Print the troubleshooting catalog: known training failures, how they
show up in the trainer log and which settings to change.

Arguments filter the catalog by words in the issue title.`,
		Example: `  loractl hints
  loractl hints memory
  loractl hints --table`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := matchIssues(args)
			if len(args) > 0 && len(ids) == 0 {
				return fmt.Errorf("no catalog entry matches %q", strings.Join(args, " "))
			}
			if tableOnly {
				fmt.Fprintln(app.Stdout, issue.HintTable(ids))
				return nil
			}
			style := string(config.ColorSchemeAuto)
			if cfg, err := app.loadConfig(cmd.Context()); err == nil {
				style = glamourStyle(cfg.UI.ColorScheme)
			}
			if len(ids) == 0 {
				for _, i := range issue.Values() {
					ids = append(ids, i.Id())
				}
			}
			writeHints(app.Stdout, ids, style)
			return nil
		},
	}
	cmd.Flags().BoolVar(&tableOnly, "table", false, "print only the symptom/fix table")
	return cmd
}

// matchIssues selects the catalog entries whose title contains every word.
func matchIssues(words []string) []issue.Id {
	if len(words) == 0 {
		return nil
	}
	var ids []issue.Id
	for _, i := range issue.Values() {
		title := strings.ToLower(i.Title())
		matched := true
		for _, w := range words {
			if !strings.Contains(title, strings.ToLower(w)) {
				matched = false
				break
			}
		}
		if matched {
			ids = append(ids, i.Id())
		}
	}
	return ids
}

// writeHints renders the catalog entries for ids followed by their fix
// table. With no ids only the full table is printed.
func writeHints(w io.Writer, ids []issue.Id, style string) {
	for _, id := range ids {
		entry := issue.Get(id)
		if entry == nil {
			continue
		}
		rendered, err := entry.Render(style)
		if err != nil {
			rendered = entry.Markdown() + "\n"
		}
		fmt.Fprint(w, rendered)
	}
	fmt.Fprintln(w, issue.HintTable(ids))
}

func glamourStyle(cs config.ColorScheme) string {
	switch cs {
	case config.ColorSchemeDark, config.ColorSchemeLight:
		return string(cs)
	default:
		return "auto"
	}
}
