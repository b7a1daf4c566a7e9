// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/audit"
	"github.com/loractl/loractl/internal/profile"
)

type auditFlags struct {
	profiles []string
	withEnv  bool
	drift    bool
	format   string
}

func newAuditCommand(app *App) *cobra.Command {
	var f auditFlags
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check profile files against the generated command",
		Long: `Check that every profile file exists and parses, that the generated
trainer command carries the FLUX parameters and the settings each profile
depends on, and report drift between the built-in defaults and the files.

Exits non-zero when any check fails.`,
		Example: `  loractl audit
  loractl audit -p final --drift
  loractl audit --env --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), app, f)
		},
	}
	cmd.Flags().StringSliceVarP(&f.profiles, "profile", "p", nil, "profiles to audit (default: all)")
	cmd.Flags().BoolVar(&f.withEnv, "env", false, "apply hyperparameter environment variables")
	cmd.Flags().BoolVar(&f.drift, "drift", false, "print the diff between built-in defaults and each file")
	cmd.Flags().StringVar(&f.format, "format", formatText, "output format (text|json|yaml)")
	return cmd
}

func runAudit(ctx context.Context, app *App, f auditFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	opts := audit.Options{Paths: cfg.Paths, Profiles: f.profiles}
	if f.withEnv {
		opts.Environ = profile.Environ(app.Environ())
	}
	report, err := audit.Run(opts)
	if err != nil {
		return err
	}

	if f.format != formatText {
		if err := writeStructured(app.Stdout, f.format, report); err != nil {
			return err
		}
	} else {
		writeAudit(app.Stdout, report, f.drift)
	}
	if !report.Passed() {
		return &ExitError{Code: 1}
	}
	return nil
}

func writeAudit(w io.Writer, r *audit.Report, drift bool) {
	for _, p := range r.Profiles {
		fmt.Fprintln(w, TitleStyle.Render("Profile "+p.Profile)+SubtitleStyle.Render(" "+p.File))
		for _, f := range p.Findings {
			fmt.Fprintf(w, "  %s %-28s %s\n", levelBadge(f.Level), f.Check, f.Message)
		}
		if drift && p.Drift != "" {
			fmt.Fprintln(w, SubtitleStyle.Render("  drift from built-in defaults:"))
			fmt.Fprint(w, indent(p.Drift, "    "))
		}
		fmt.Fprintln(w)
	}

	ok, warn, fail := r.Counts()
	summary := fmt.Sprintf("%d passed, %d warnings, %d failed", ok, warn, fail)
	if fail > 0 {
		fmt.Fprintln(w, ErrorStyle.Render("✗ "+summary))
		return
	}
	fmt.Fprintln(w, SuccessStyle.Render("✓ "+summary))
}

func levelBadge(l audit.Level) string {
	switch l {
	case audit.LevelFail:
		return ErrorStyle.Render("[FAIL]")
	case audit.LevelWarn:
		return WarningStyle.Render("[WARN]")
	default:
		return SuccessStyle.Render("[ OK ]")
	}
}

func indent(s, prefix string) string {
	var out []byte
	start := true
	for i := 0; i < len(s); i++ {
		if start {
			out = append(out, prefix...)
		}
		out = append(out, s[i])
		start = s[i] == '\n'
	}
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return string(out)
}
