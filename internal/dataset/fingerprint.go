// SPDX-License-Identifier: MPL-2.0

package dataset

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// FingerprintNotFound is the fingerprint of a missing directory.
	FingerprintNotFound = "dataset_not_found"
	// FingerprintEmpty is the fingerprint of a directory without files.
	FingerprintEmpty = "empty_dataset"
)

// Fingerprint hashes the file list of dir: one "rel:size:mtime" line per
// file, sorted and joined with newlines, then MD5. Contents are not read,
// so the fingerprint changes on edits, renames and touches. Files that
// cannot be stat'ed are skipped.
func Fingerprint(dir string) (string, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return FingerprintNotFound, nil
	}

	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s:%d:%d", filepath.ToSlash(rel), info.Size(), info.ModTime().Unix()))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint dataset %s: %w", dir, err)
	}
	if len(lines) == 0 {
		return FingerprintEmpty, nil
	}
	slices.Sort(lines)
	sum := md5.Sum([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}
