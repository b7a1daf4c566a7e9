// SPDX-License-Identifier: MPL-2.0

package dashboard

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loractl/loractl/internal/dataset"
	"github.com/loractl/loractl/internal/gpu"
	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/logparse"
)

const gpuTimeout = 3 * time.Second

type (
	// Source gathers everything one dashboard frame shows. It is safe for
	// concurrent use; every SSH session shares one Source.
	Source struct {
		// LogPath is the trainer log being tailed.
		LogPath string
		// SampleDir is searched for the newest sample image.
		SampleDir string
		// TailBytes bounds how much of the log is read per poll.
		TailBytes int64
		// GPU probes the GPUs; nil disables the GPU line.
		GPU func(ctx context.Context) ([]gpu.Snapshot, error)
		// PIDFile, when set, is checked to detect that the trainer exited.
		PIDFile string
		// Done is closed when the trainer, started by this process, exits.
		Done <-chan struct{}
		// ThumbWidth is the sample thumbnail width in cells; zero disables it.
		ThumbWidth int

		mu      sync.Mutex
		thumb   thumbCache
		seenPID bool
	}

	// Status is one poll's worth of state.
	Status struct {
		Log       logparse.State
		LogErr    error
		GPUs      []gpu.Snapshot
		GPUErr    error
		Sample    string
		SampleAt  time.Time
		Thumbnail string
		Hints     []issue.Id
		Exited    bool
		PolledAt  time.Time
	}

	thumbCache struct {
		path  string
		mod   time.Time
		width int
		art   string
	}
)

// Poll reads the log, probes the GPU and looks for a new sample image.
// Failures of individual probes are reported in the Status, never returned.
func (s *Source) Poll(ctx context.Context) Status {
	st := Status{PolledAt: time.Now()}

	st.Log, st.LogErr = logparse.ScanFile(s.LogPath, s.TailBytes)
	st.Hints = issue.Diagnose(st.Log)

	if s.GPU != nil {
		gctx, cancel := context.WithTimeout(ctx, gpuTimeout)
		st.GPUs, st.GPUErr = s.GPU(gctx)
		cancel()
	}

	if s.SampleDir != "" {
		if path, mod, err := NewestImage(s.SampleDir); err == nil {
			st.Sample, st.SampleAt = path, mod
			st.Thumbnail = s.thumbnail(path, mod)
		}
	}

	st.Exited = s.exited()
	return st
}

func (s *Source) thumbnail(path string, mod time.Time) string {
	if s.ThumbWidth <= 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.thumb
	if c.path == path && c.mod.Equal(mod) && c.width == s.ThumbWidth {
		return c.art
	}
	art, err := RenderThumbnail(path, s.ThumbWidth)
	if err != nil {
		return ""
	}
	s.thumb = thumbCache{path: path, mod: mod, width: s.ThumbWidth, art: art}
	return art
}

func (s *Source) exited() bool {
	if s.Done != nil {
		select {
		case <-s.Done:
			return true
		default:
		}
	}
	if s.PIDFile == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, err := ReadPIDFile(s.PIDFile)
	if errors.Is(err, fs.ErrNotExist) {
		// The runner removes the file when the trainer exits; before the
		// first sighting the trainer may simply not have started yet.
		return s.seenPID
	}
	if err != nil {
		return false
	}
	s.seenPID = true
	return !Alive(pid)
}

// NewestImage returns the most recently modified image under dir.
func NewestImage(dir string) (string, time.Time, error) {
	var (
		best    string
		bestMod time.Time
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !dataset.IsImage(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(bestMod) || (info.ModTime().Equal(bestMod) && path > best) {
			best, bestMod = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	if best == "" {
		return "", time.Time{}, os.ErrNotExist
	}
	return best, bestMod, nil
}
