// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/profile"
)

func newProfileCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect training profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the built-in profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listProfiles(app.Stdout)
		},
	})

	var (
		sets   []string
		format string
	)
	show := &cobra.Command{
		Use:   "show [profile]",
		Short: "Show resolved values and where each one comes from",
		Example: `  loractl profile show final
  RANK=48 loractl profile show fast --format yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := profile.Fast
			if len(args) == 1 {
				name = args[0]
			}
			p, err := app.resolvePlan(cmd.Context(), planFlags{profile: name, sets: sets, allowMismatch: true})
			if err != nil {
				return err
			}
			if format != formatText {
				return writeStructured(app.Stdout, format, p.resolution)
			}
			writeResolution(app.Stdout, p.resolution)
			return nil
		},
	}
	show.Flags().StringArrayVar(&sets, "set", nil, "override a parameter, key=value (repeatable)")
	show.Flags().StringVar(&format, "format", formatText, "output format (text|json|yaml)")
	cmd.AddCommand(show)

	var builtin bool
	diff := &cobra.Command{
		Use:   "diff [from] [to]",
		Short: "Diff two profiles",
		Long: `Show a unified diff between two profiles (default: fast and final).

Values are resolved from the profile files and the environment unless
--builtin is given.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := profile.Fast, profile.Final
			if len(args) > 0 {
				from = args[0]
			}
			if len(args) > 1 {
				to = args[1]
			}
			return diffProfiles(cmd.Context(), app, from, to, builtin)
		},
	}
	diff.Flags().BoolVar(&builtin, "builtin", false, "compare the built-in defaults only")
	cmd.AddCommand(diff)

	return cmd
}

func listProfiles(w io.Writer) error {
	t := newTable("Profile", "Steps", "Rank", "Learning rate", "Resolution", "Grad accum")
	for _, name := range profile.Names() {
		p, err := profile.Defaults(name)
		if err != nil {
			return err
		}
		t.Row(name,
			profile.FormatValue(p.MaxTrainSteps),
			profile.FormatValue(p.NetworkDim),
			profile.FormatValue(p.LearningRate),
			profile.FormatValue(p.Resolution),
			profile.FormatValue(p.GradientAccumulationSteps),
		)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

func writeResolution(w io.Writer, res *profile.Resolution) {
	fmt.Fprintln(w, TitleStyle.Render("Profile "+res.Profile))

	t := newTable("Key", "Value", "Source")
	for _, f := range res.Params.Fields() {
		src := res.Sources[f.Key]
		srcCell := src.String()
		if src != profile.SourceDefault {
			srcCell = CmdStyle.Render(srcCell)
		}
		t.Row(f.Key, profile.FormatValue(f.Value), srcCell)
	}
	fmt.Fprintln(w, t.Render())

	for _, s := range []profile.Source{profile.SourceDefault, profile.SourceFile, profile.SourceEnv, profile.SourceFlag} {
		if origin, ok := res.Origins[s]; ok {
			fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render(fmt.Sprintf("%-8s", s.String())), origin)
		}
	}
	for _, adj := range res.Adjustments {
		fmt.Fprintf(w, "%s %s: %s -> %s (%s)\n", CmdStyle.Render("adjusted"),
			adj.Key, profile.FormatValue(adj.From), profile.FormatValue(adj.To), adj.Reason)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintln(w, WarningStyle.Render("warning ")+warn)
	}
}

func diffProfiles(ctx context.Context, app *App, from, to string, builtin bool) error {
	params := func(name string) (profile.Params, error) {
		if builtin {
			return profile.Defaults(name)
		}
		p, err := app.resolvePlan(ctx, planFlags{profile: name, allowMismatch: true})
		if err != nil {
			return profile.Params{}, err
		}
		return p.resolution.Params, nil
	}
	a, err := params(from)
	if err != nil {
		return err
	}
	b, err := params(to)
	if err != nil {
		return err
	}
	d, err := profile.Diff(from, to, a, b)
	if err != nil {
		return err
	}
	if d == "" {
		fmt.Fprintln(app.Stdout, SubtitleStyle.Render("no differences"))
		return nil
	}
	for _, line := range strings.SplitAfter(d, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprint(app.Stdout, TitleStyle.Render(strings.TrimSuffix(line, "\n"))+"\n")
		case strings.HasPrefix(line, "+"):
			fmt.Fprint(app.Stdout, SuccessStyle.Render(strings.TrimSuffix(line, "\n"))+"\n")
		case strings.HasPrefix(line, "-"):
			fmt.Fprint(app.Stdout, ErrorStyle.Render(strings.TrimSuffix(line, "\n"))+"\n")
		default:
			fmt.Fprint(app.Stdout, line)
		}
	}
	return nil
}

// newTable returns a table in the shared palette.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
}
