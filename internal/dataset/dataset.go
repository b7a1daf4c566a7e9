// SPDX-License-Identifier: MPL-2.0

package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/loractl/loractl/internal/issue"
)

// CaptionExt is the caption extension the trainer is told to read.
const CaptionExt = ".txt"

var (
	// ErrNotFound is returned when the dataset directory does not exist.
	ErrNotFound = errors.New("dataset directory not found")
	// ErrNoPairs is returned when no image has a caption.
	ErrNoPairs = errors.New("no matched image/caption pairs")

	imageExts = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp", ".tiff"}
)

type (
	// Options tune validation.
	Options struct {
		// TriggerToken, when set, must appear in every caption
		// (case-insensitive).
		TriggerToken string
	}

	// Pair is one image with its caption file. Paths are relative to the
	// dataset directory.
	Pair struct {
		Image   string `json:"image"`
		Caption string `json:"caption"`
	}

	// Report is the outcome of Validate. Paths are relative to Dir.
	Report struct {
		Dir            string   `json:"dir"`
		Matched        []Pair   `json:"matched"`
		Unmatched      []string `json:"unmatched"`
		OrphanCaptions []string `json:"orphan_captions,omitempty"`
		EmptyCaptions  []string `json:"empty_captions,omitempty"`
		MissingTrigger []string `json:"missing_trigger,omitempty"`
		TriggerToken   string   `json:"trigger_token,omitempty"`
	}
)

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	return slices.Contains(imageExts, strings.ToLower(filepath.Ext(name)))
}

// OK reports whether the dataset can be trained on.
func (r *Report) OK() bool { return r != nil && len(r.Matched) > 0 }

// Problems counts entries that deserve a warning.
func (r *Report) Problems() int {
	return len(r.Unmatched) + len(r.OrphanCaptions) + len(r.EmptyCaptions) + len(r.MissingTrigger)
}

// Validate pairs every image under dir with a same-basename caption. The
// caption is looked up next to the image and, for images under dir/images,
// in dir/captions. A report is returned even when validation fails with
// ErrNoPairs so that callers can show what was found.
func Validate(dir string, opts Options) (*Report, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, notFound(dir)
	}

	images, captions, err := scan(dir)
	if err != nil {
		return nil, issue.WrapWithContext(err, "scan dataset", dir)
	}

	r := &Report{Dir: dir, Matched: []Pair{}, Unmatched: []string{}, TriggerToken: opts.TriggerToken}
	used := make(map[string]bool, len(captions))
	for _, img := range images {
		capPath, ok := findCaption(img, captions, []string{CaptionExt})
		if !ok {
			r.Unmatched = append(r.Unmatched, img)
			continue
		}
		used[capPath] = true
		r.Matched = append(r.Matched, Pair{Image: img, Caption: capPath})

		text, err := os.ReadFile(filepath.Join(dir, capPath))
		if err != nil {
			return nil, issue.WrapWithContext(err, "read caption", capPath)
		}
		body := strings.TrimSpace(string(text))
		switch {
		case body == "":
			r.EmptyCaptions = append(r.EmptyCaptions, capPath)
		case opts.TriggerToken != "" && !strings.Contains(strings.ToLower(body), strings.ToLower(opts.TriggerToken)):
			r.MissingTrigger = append(r.MissingTrigger, capPath)
		}
	}
	for _, c := range captions {
		if strings.EqualFold(filepath.Ext(c), CaptionExt) && !used[c] {
			r.OrphanCaptions = append(r.OrphanCaptions, c)
		}
	}

	if len(r.Matched) == 0 {
		return r, issue.NewErrorContext().
			WithOperation("validate dataset").
			WithResource(dir).
			WithSuggestion(fmt.Sprintf("Add a %s caption with the same basename next to each image", CaptionExt)).
			WithSuggestion("Supported images: " + strings.Join(imageExts, " ")).
			WithIssue(issue.DatasetInvalidId).
			Wrap(fmt.Errorf("%w: %d image(s), 0 captioned", ErrNoPairs, len(images))).
			BuildError()
	}
	return r, nil
}

func notFound(dir string) error {
	return issue.NewErrorContext().
		WithOperation("validate dataset").
		WithResource(dir).
		WithSuggestion("Set DATA_DIR or --data-dir to the directory holding image and caption pairs").
		WithSuggestion("Expected layout: <dir>/img.jpg + <dir>/img.txt, or <dir>/images/img.jpg + <dir>/captions/img.txt").
		WithIssue(issue.DatasetInvalidId).
		Wrap(ErrNotFound).
		BuildError()
}

// scan returns sorted relative paths of images and of every other regular
// file (caption candidates). Hidden directories are skipped.
func scan(dir string) (images, others []string, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if IsImage(d.Name()) {
			images = append(images, rel)
		} else {
			others = append(others, rel)
		}
		return nil
	})
	slices.Sort(images)
	slices.Sort(others)
	return images, others, err
}

// findCaption looks for <stem><ext> beside img, then under captions/ when
// img lives under images/.
func findCaption(img string, files []string, exts []string) (string, bool) {
	stem := strings.TrimSuffix(img, filepath.Ext(img))
	var candidates []string
	for _, ext := range exts {
		candidates = append(candidates, stem+ext)
	}
	if rest, ok := strings.CutPrefix(filepath.ToSlash(stem), "images/"); ok {
		for _, ext := range exts {
			candidates = append(candidates, filepath.Join("captions", filepath.FromSlash(rest)+ext))
		}
	}
	for _, c := range candidates {
		if _, found := slices.BinarySearch(files, c); found {
			return c, true
		}
	}
	return "", false
}
