// SPDX-License-Identifier: MPL-2.0

package logparse

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultTailBytes bounds how much of the log is re-read on every poll.
const DefaultTailBytes int64 = 256 * 1024

// Tail returns at most maxBytes from the end of the file at path.
// When the read starts mid-file, the leading partial line is dropped.
func Tail(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}

	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if offset > 0 {
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			data = data[i+1:]
		}
	}
	return data, nil
}

// ScanFile tails the log at path and folds it into a State.
func ScanFile(path string, maxBytes int64) (State, error) {
	data, err := Tail(path, maxBytes)
	if err != nil {
		return State{}, err
	}
	return ScanBytes(data), nil
}
