// SPDX-License-Identifier: MPL-2.0

// Package gpu reads a utilization snapshot of the local NVIDIA GPUs through
// nvidia-smi.
package gpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrUnavailable is returned when nvidia-smi is missing or reports no GPU.
var ErrUnavailable = errors.New("gpu information unavailable")

var queryArgs = []string{
	"--query-gpu=name,utilization.gpu,memory.used,memory.total,temperature.gpu",
	"--format=csv,noheader,nounits",
}

type (
	// Snapshot is the state of one GPU at a point in time. Memory is in MiB.
	Snapshot struct {
		Index          int     `json:"index"`
		Name           string  `json:"name"`
		Utilization    float64 `json:"utilization_pct"`
		MemoryUsedMiB  int64   `json:"memory_used_mib"`
		MemoryTotalMiB int64   `json:"memory_total_mib"`
		TemperatureC   float64 `json:"temperature_c"`
	}

	// Prober runs the query command; tests replace it.
	Prober struct {
		Command string
		Timeout time.Duration
		run     func(ctx context.Context, name string, args ...string) ([]byte, error)
	}
)

// NewProber returns a Prober that runs nvidia-smi from PATH.
func NewProber() *Prober {
	return &Prober{Command: "nvidia-smi", Timeout: 5 * time.Second, run: runCommand}
}

// Probe queries every GPU with the default prober.
func Probe(ctx context.Context) ([]Snapshot, error) {
	return NewProber().Probe(ctx)
}

// Probe queries every GPU.
func (p *Prober) Probe(ctx context.Context) ([]Snapshot, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := p.run(ctx, p.Command, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	snaps, err := Parse(out)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrUnavailable
	}
	return snaps, nil
}

// Parse reads the csv,noheader,nounits output of the query. Fields that
// nvidia-smi reports as "[N/A]" read as zero.
func Parse(out []byte) ([]Snapshot, error) {
	var snaps []Snapshot
	for i, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		if len(cols) != 5 {
			return nil, fmt.Errorf("%w: unexpected nvidia-smi line %q", ErrUnavailable, line)
		}
		for j := range cols {
			cols[j] = strings.TrimSpace(cols[j])
		}
		snaps = append(snaps, Snapshot{
			Index:          i,
			Name:           cols[0],
			Utilization:    number(cols[1]),
			MemoryUsedMiB:  int64(number(cols[2])),
			MemoryTotalMiB: int64(number(cols[3])),
			TemperatureC:   number(cols[4]),
		})
	}
	return snaps, nil
}

func number(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Summary is the "name, total MiB" form recorded in reproducibility data.
func (s Snapshot) Summary() string {
	return fmt.Sprintf("%s, %d MiB", s.Name, s.MemoryTotalMiB)
}

// MemoryFraction is used/total in [0, 1].
func (s Snapshot) MemoryFraction() float64 {
	if s.MemoryTotalMiB <= 0 {
		return 0
	}
	return float64(s.MemoryUsedMiB) / float64(s.MemoryTotalMiB)
}

// String renders a one-line status such as "A100 87% 41 GB/80 GB 64°C".
func (s Snapshot) String() string {
	const mib = 1 << 20
	return fmt.Sprintf("%s %.0f%% %s/%s %.0f°C", s.Name, s.Utilization,
		humanize.IBytes(uint64(s.MemoryUsedMiB)*mib), humanize.IBytes(uint64(s.MemoryTotalMiB)*mib), s.TemperatureC)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
