// SPDX-License-Identifier: MPL-2.0

package dashboard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"github.com/loractl/loractl/internal/gpu"
	"github.com/loractl/loractl/internal/issue"
)

const (
	// DefaultInterval is the polling interval when none is configured.
	DefaultInterval = 2 * time.Second

	defaultWidth = 80
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	doneStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
)

type (
	// Options configure the interactive dashboard.
	Options struct {
		// Title is shown in the header; defaults to the log file name.
		Title string
		// Interval between polls; DefaultInterval when zero.
		Interval time.Duration
		// UntilExit quits once the Source reports the trainer exited.
		UntilExit bool
	}

	// Model is the bubbletea model of the dashboard.
	Model struct {
		ctx      context.Context
		src      *Source
		opts     Options
		bar      progress.Model
		status   Status
		polled   bool
		width    int
		quitting bool
	}

	tickMsg   time.Time
	statusMsg Status
)

// New returns a dashboard model polling src.
func New(ctx context.Context, src *Source, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Title == "" {
		opts.Title = filepath.Base(src.LogPath)
	}
	bar := progress.New(progress.WithGradient("#7C3AED", "#10B981"), progress.WithoutPercentage())
	m := Model{ctx: ctx, src: src, opts: opts, bar: bar}
	m.resize(defaultWidth)
	return m
}

// Run shows the dashboard on the terminal until the user quits, ctx is
// cancelled or, with UntilExit, the trainer exits.
func Run(ctx context.Context, src *Source, opts Options, progOpts ...tea.ProgramOption) error {
	progOpts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, progOpts...)
	_, err := tea.NewProgram(New(ctx, src, opts), progOpts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init starts the first poll.
func (m Model) Init() tea.Cmd {
	return m.poll()
}

// Update handles keys, resizes and poll results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.resize(msg.Width)
	case tickMsg:
		return m, m.poll()
	case statusMsg:
		m.status = Status(msg)
		m.polled = true
		if m.opts.UntilExit && m.status.Exited {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.tick()
	}
	return m, nil
}

// Status returns the most recent poll result.
func (m Model) Status() Status { return m.status }

func (m *Model) resize(width int) {
	m.width = clamp(width, 20, 200)
	m.bar.Width = clamp(m.width-12, 10, 80)
}

func (m Model) poll() tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		return statusMsg(src.Poll(ctx))
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// View renders the current status.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(titleStyle.Render("loractl") + " " + labelStyle.Render(m.opts.Title))
	line("")

	st := m.status
	switch {
	case !m.polled:
		line(labelStyle.Render("reading " + m.src.LogPath + "..."))
	case errors.Is(st.LogErr, fs.ErrNotExist):
		line(labelStyle.Render("waiting for " + m.src.LogPath))
	case st.LogErr != nil:
		line(warnStyle.Render("log: " + st.LogErr.Error()))
	default:
		line(m.progressLine())
		line(m.statsLine())
	}

	if m.polled && m.src.GPU != nil {
		line(m.gpuLine())
	}

	if st.Sample != "" {
		line("")
		line(labelStyle.Render("sample ") + filepath.Base(st.Sample) + labelStyle.Render(" ("+humanize.Time(st.SampleAt)+")"))
		if st.Thumbnail != "" {
			line(st.Thumbnail)
		}
	}

	if st.Log.LastLine != "" {
		line("")
		line(labelStyle.Render("last ") + runewidth.Truncate(st.Log.LastLine, m.width-5, "…"))
	}

	for _, id := range st.Hints {
		if i := issue.Get(id); i != nil {
			line(warnStyle.Render("! "+i.Title()) + labelStyle.Render("  see: loractl hints"))
		}
	}

	if st.Exited {
		line(doneStyle.Render("trainer exited"))
	} else if st.Log.Done() {
		line(doneStyle.Render("training complete"))
	}

	line("")
	b.WriteString(helpStyle.Render("q quit"))
	return b.String()
}

func (m Model) progressLine() string {
	frac := m.status.Log.Fraction()
	return m.bar.ViewAs(frac) + " " + valueStyle.Render(fmt.Sprintf("%3.0f%%", frac*100))
}

func (m Model) statsLine() string {
	st := m.status.Log
	parts := []string{
		labelStyle.Render("step ") + valueStyle.Render(humanize.Comma(int64(st.Step))+"/"+humanize.Comma(int64(st.Total))),
	}
	if st.HasLoss {
		parts = append(parts, labelStyle.Render("loss ")+valueStyle.Render(fmt.Sprintf("%.4f", st.Loss)))
	}
	if st.Elapsed != "" {
		parts = append(parts, labelStyle.Render("elapsed ")+st.Elapsed)
	}
	if st.ETA != "" {
		parts = append(parts, labelStyle.Render("eta ")+st.ETA)
	}
	return strings.Join(parts, labelStyle.Render("  ·  "))
}

func (m Model) gpuLine() string {
	st := m.status
	if errors.Is(st.GPUErr, gpu.ErrUnavailable) || (st.GPUErr == nil && len(st.GPUs) == 0) {
		return labelStyle.Render("gpu  unavailable")
	}
	if st.GPUErr != nil {
		return warnStyle.Render("gpu  " + st.GPUErr.Error())
	}
	rows := make([]string, 0, len(st.GPUs))
	for _, g := range st.GPUs {
		rows = append(rows, labelStyle.Render(fmt.Sprintf("gpu%d ", g.Index))+g.String())
	}
	return strings.Join(rows, "\n")
}

func clamp[T cmp.Ordered](v, lo, hi T) T {
	return max(lo, min(v, hi))
}
