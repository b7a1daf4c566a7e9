// SPDX-License-Identifier: MPL-2.0

package logparse

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	// SymptomNaN marks a loss that became NaN or infinite.
	SymptomNaN Symptom = "nan_loss"
	// SymptomOOM marks a CUDA out-of-memory failure.
	SymptomOOM Symptom = "out_of_memory"
	// SymptomMissingFile marks a trainer-side missing file (model, dataset, prompts).
	SymptomMissingFile Symptom = "missing_file"
	// SymptomTraceback marks an uncaught Python exception in the trainer.
	SymptomTraceback Symptom = "traceback"
)

var (
	progressPattern = regexp.MustCompile(`(\d+)/(\d+)\s*\[`)
	timingPattern   = regexp.MustCompile(`\[(\d+(?::\d+){1,2})<(\d+(?::\d+){1,2}|\?)`)
	avrLossPattern  = regexp.MustCompile(`\bavr_loss=([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?|(?i:nan|inf))`)
	lossPattern     = regexp.MustCompile(`\bloss=([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?|(?i:nan|inf))`)

	symptomMarkers = []struct {
		symptom Symptom
		marker  string
	}{
		{SymptomOOM, "cuda out of memory"},
		{SymptomOOM, "outofmemoryerror"},
		{SymptomNaN, "nan detected"},
		{SymptomNaN, "loss is nan"},
		{SymptomMissingFile, "filenotfounderror"},
		{SymptomMissingFile, "no such file or directory"},
		{SymptomTraceback, "traceback (most recent call last)"},
	}
)

type (
	// Symptom identifies a known failure signature found in trainer output.
	Symptom string

	// Update is what a single log line contributes to the dashboard state.
	Update struct {
		Step, Total  int
		HasProgress  bool
		Loss         float64
		HasLoss      bool
		Elapsed, ETA string
		Symptoms     []Symptom
	}

	// State is the folded view of everything read from the log so far.
	State struct {
		Step     int
		Total    int
		Loss     float64
		HasLoss  bool
		Elapsed  string
		ETA      string
		LastLine string
		Lines    int
		Symptoms []Symptom
	}
)

// ParseLine extracts progress, loss and failure symptoms from one line.
// The boolean is false when the line carries nothing of interest.
func ParseLine(line string) (Update, bool) {
	var u Update

	if m := progressPattern.FindStringSubmatch(line); m != nil {
		step, errStep := strconv.Atoi(m[1])
		total, errTotal := strconv.Atoi(m[2])
		if errStep == nil && errTotal == nil && total > 0 {
			u.Step, u.Total, u.HasProgress = step, total, true
		}
	}

	if m := timingPattern.FindStringSubmatch(line); m != nil {
		u.Elapsed = m[1]
		if m[2] != "?" {
			u.ETA = m[2]
		}
	}

	lossMatch := avrLossPattern.FindStringSubmatch(line)
	if lossMatch == nil {
		lossMatch = lossPattern.FindStringSubmatch(line)
	}
	if lossMatch != nil {
		if v, err := strconv.ParseFloat(lossMatch[1], 64); err == nil {
			u.Loss, u.HasLoss = v, true
			if math.IsNaN(v) || math.IsInf(v, 0) {
				u.Symptoms = append(u.Symptoms, SymptomNaN)
			}
		}
	}

	lower := strings.ToLower(line)
	for _, sm := range symptomMarkers {
		if strings.Contains(lower, sm.marker) && !containsSymptom(u.Symptoms, sm.symptom) {
			u.Symptoms = append(u.Symptoms, sm.symptom)
		}
	}

	ok := u.HasProgress || u.HasLoss || len(u.Symptoms) > 0
	return u, ok
}

// Apply folds an update into the state. Later updates win.
func (s *State) Apply(u Update) {
	if u.HasProgress {
		s.Step, s.Total = u.Step, u.Total
	}
	if u.HasLoss {
		s.Loss, s.HasLoss = u.Loss, true
	}
	if u.Elapsed != "" {
		s.Elapsed = u.Elapsed
		s.ETA = u.ETA
	}
	for _, sym := range u.Symptoms {
		if !containsSymptom(s.Symptoms, sym) {
			s.Symptoms = append(s.Symptoms, sym)
		}
	}
}

// Fraction returns step/total clamped to [0, 1]; zero when total is unknown.
func (s State) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := float64(s.Step) / float64(s.Total)
	return math.Max(0, math.Min(1, f))
}

// Done reports whether the last progress line reached the total.
func (s State) Done() bool {
	return s.Total > 0 && s.Step >= s.Total
}

// HasSymptom reports whether the symptom was seen.
func (s State) HasSymptom(sym Symptom) bool {
	return containsSymptom(s.Symptoms, sym)
}

// Scan reads r to EOF and returns the folded state.
func Scan(r io.Reader) (State, error) {
	var st State
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLinesOrReturns)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		st.Lines++
		st.LastLine = line
		if u, ok := ParseLine(line); ok {
			st.Apply(u)
		}
	}
	return st, sc.Err()
}

// ScanBytes is Scan over an in-memory buffer.
func ScanBytes(data []byte) State {
	st, _ := Scan(bytes.NewReader(data))
	return st
}

func containsSymptom(list []Symptom, sym Symptom) bool {
	for _, s := range list {
		if s == sym {
			return true
		}
	}
	return false
}

// scanLinesOrReturns is bufio.ScanLines that also breaks on bare '\r'.
func scanLinesOrReturns(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
