// SPDX-License-Identifier: MPL-2.0

package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
)

// DefaultGracePeriod is how long the trainer may take to exit after SIGINT
// before it is killed.
const DefaultGracePeriod = 30 * time.Second

type (
	// Runner executes a trainer command.
	Runner interface {
		Run(ctx context.Context, cmd Command, opts RunOptions) (ExitCode, error)
	}

	// RunOptions control how the trainer process is attached.
	RunOptions struct {
		// Dir is the working directory; empty means the current one.
		Dir string
		// Env is the full child environment; nil inherits the parent's.
		Env []string
		// LogPath receives a copy of everything the trainer prints; it is
		// truncated when the run starts.
		LogPath string
		// Output is the terminal side of the tee; nil discards.
		Output io.Writer
		// PTY runs the trainer on a pseudo-terminal so progress bars render.
		PTY bool
		// GracePeriod bounds the wait between SIGINT and SIGKILL.
		GracePeriod time.Duration
		// DryRun prints the command instead of running it.
		DryRun bool
		// PIDFile, when set, holds the trainer's process id while it runs.
		PIDFile string
	}

	// ExecRunner runs the trainer as a child process.
	ExecRunner struct {
		Logger *log.Logger
	}
)

// Execute runs cmd with r unless opts.DryRun is set, in which case the
// shell rendering of cmd is written to opts.Output and r is never called.
func Execute(ctx context.Context, r Runner, cmd Command, opts RunOptions) (ExitCode, error) {
	if opts.DryRun {
		if opts.Output != nil {
			if _, err := fmt.Fprintln(opts.Output, cmd.String()); err != nil {
				return 1, err
			}
		}
		return 0, nil
	}
	return r.Run(ctx, cmd, opts)
}

// Run starts the trainer, tees its combined output and waits for it. A
// non-zero exit is reported through the ExitCode with a nil error; the error
// is reserved for failures to start or supervise the process.
func (r ExecRunner) Run(ctx context.Context, cmd Command, opts RunOptions) (code ExitCode, err error) {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
			return 1, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return 1, fmt.Errorf("failed to open trainer log: %w", err)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		if _, err := fmt.Fprintf(f, "$ %s\n", cmd.String()); err != nil {
			return 1, fmt.Errorf("failed to write trainer log: %w", err)
		}
		out = io.MultiWriter(out, f)
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = opts.Dir
	c.Env = opts.Env
	c.Cancel = func() error {
		logger.Warn("interrupting trainer", "pid", c.Process.Pid, "grace", grace)
		return c.Process.Signal(os.Interrupt)
	}
	c.WaitDelay = grace

	logger.Debug("starting trainer", "program", cmd.Program, "args", len(cmd.Args), "pty", opts.PTY)
	started := func() {
		if opts.PIDFile == "" {
			return
		}
		if werr := writePID(opts.PIDFile, c.Process.Pid); werr != nil {
			logger.Warn("could not write pid file", "path", opts.PIDFile, "err", werr)
		}
	}
	if opts.PIDFile != "" {
		defer func() { _ = os.Remove(opts.PIDFile) }()
	}
	if opts.PTY {
		err = runOnPty(c, out, started)
	} else {
		c.Stdout = out
		c.Stderr = out
		if err = c.Start(); err == nil {
			started()
			err = c.Wait()
		}
	}
	return exitCode(ctx, err)
}

func writePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// runOnPty runs c with a pseudo-terminal as its controlling terminal and
// copies the terminal output to out until the process exits.
func runOnPty(c *exec.Cmd, out io.Writer, started func()) error {
	tty, err := pty.Start(c)
	if err != nil {
		return fmt.Errorf("failed to start trainer on a pseudo-terminal: %w", err)
	}
	started()
	copied := make(chan struct{})
	go func() {
		// Reading the master side fails with EIO once the child exits.
		_, _ = io.Copy(out, tty)
		close(copied)
	}()
	waitErr := c.Wait()
	// Drain what the child left in the terminal buffer; a grandchild that
	// keeps the terminal open must not block us forever.
	select {
	case <-copied:
	case <-time.After(time.Second):
	}
	_ = tty.Close()
	<-copied
	return waitErr
}

func exitCode(ctx context.Context, err error) (ExitCode, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return ExitInterrupted, nil
		}
		// A signal death reports -1; use the shell convention 128+signal.
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitCode(128 + int(ws.Signal())), nil
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return ExitCode(code), nil
		}
		return 1, nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	return 1, fmt.Errorf("failed to run trainer: %w", err)
}
