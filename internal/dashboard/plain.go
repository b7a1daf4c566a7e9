// SPDX-License-Identifier: MPL-2.0

package dashboard

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/loractl/loractl/internal/issue"
)

// PlainOptions configure the non-interactive dashboard.
type PlainOptions struct {
	Writer   io.Writer
	Interval time.Duration
	// UntilExit stops once the Source reports the trainer exited.
	UntilExit bool
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RunPlain prints a text progress bar to opts.Writer until training
// completes, ctx is cancelled or, with UntilExit, the trainer exits.
func RunPlain(ctx context.Context, src *Source, opts PlainOptions) error {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var (
		bar       *progressbar.ProgressBar
		total     int
		reported  = map[issue.Id]bool{}
		ticker    = time.NewTicker(interval)
		finishBar = func() {
			if bar != nil {
				_ = bar.Finish()
				_, _ = fmt.Fprintln(w)
			}
		}
	)
	defer ticker.Stop()

	for {
		st := src.Poll(ctx)
		if st.LogErr == nil {
			if st.Log.Total > 0 && st.Log.Total != total {
				finishBar()
				total = st.Log.Total
				bar = newPlainBar(w, total)
			}
			if bar != nil {
				bar.Describe(describe(st))
				_ = bar.Set(min(st.Log.Step, total))
			}
			for _, id := range st.Hints {
				if i := issue.Get(id); i != nil && !reported[id] {
					reported[id] = true
					_, _ = fmt.Fprintf(w, "\n! %s (see: loractl hints)\n", i.Title())
				}
			}
		}

		switch {
		case st.Log.Done():
			finishBar()
			_, _ = fmt.Fprintln(w, "training complete")
			return nil
		case opts.UntilExit && st.Exited:
			finishBar()
			_, _ = fmt.Fprintln(w, "trainer exited")
			return nil
		}

		select {
		case <-ctx.Done():
			finishBar()
			return nil
		case <-ticker.C:
		}
	}
}

func newPlainBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(0),
	)
}

func describe(st Status) string {
	if st.Log.HasLoss {
		return fmt.Sprintf("loss %.4f", st.Log.Loss)
	}
	return "training"
}
