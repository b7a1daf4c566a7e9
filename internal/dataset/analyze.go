// SPDX-License-Identifier: MPL-2.0

package dataset

import (
	"cmp"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/loractl/loractl/internal/profile"
)

// BucketStep is the bucket granularity used by sd-scripts.
const BucketStep = 64

var analysisCaptionExts = []string{".txt", ".caption"}

type (
	// ImageInfo describes one image.
	ImageInfo struct {
		Name        string  `json:"name"`
		Path        string  `json:"path"`
		SizeBytes   int64   `json:"size_bytes"`
		Width       int     `json:"width,omitempty"`
		Height      int     `json:"height,omitempty"`
		AspectRatio float64 `json:"aspect_ratio,omitempty"`
		Format      string  `json:"format,omitempty"`
		BucketW     int     `json:"bucket_width,omitempty"`
		BucketH     int     `json:"bucket_height,omitempty"`
		HasCaption  bool    `json:"has_caption"`
		Error       string  `json:"error,omitempty"`
	}

	// ResolutionStats are the extremes over decodable images.
	ResolutionStats struct {
		MinWidth  int `json:"min_width"`
		MinHeight int `json:"min_height"`
		MaxWidth  int `json:"max_width"`
		MaxHeight int `json:"max_height"`
		AvgWidth  int `json:"avg_width"`
		AvgHeight int `json:"avg_height"`
	}

	// CaptionAnalysis summarizes caption contents.
	CaptionAnalysis struct {
		Total          int      `json:"total"`
		Missing        int      `json:"missing"`
		Empty          int      `json:"empty"`
		TriggerToken   string   `json:"trigger_token,omitempty"`
		AvgLength      float64  `json:"avg_length"`
		UniqueCaptions int      `json:"unique_captions"`
		Warnings       []string `json:"warnings"`
	}

	// Recommendations are suggested training settings for the dataset.
	Recommendations struct {
		Profile        string   `json:"profile"`
		BaseResolution int      `json:"base_resolution"`
		MinBucketReso  int      `json:"min_bucket_reso"`
		MaxBucketReso  int      `json:"max_bucket_reso"`
		Warnings       []string `json:"warnings"`
		Suggestions    []string `json:"suggestions"`
	}

	// Analysis is the dataset report written to dataset_report.json.
	Analysis struct {
		Status                  string           `json:"status"`
		Error                   string           `json:"error,omitempty"`
		DataDir                 string           `json:"data_dir"`
		GeneratedAt             time.Time        `json:"generated_at"`
		ImageCount              int              `json:"image_count"`
		Images                  []ImageInfo      `json:"images,omitempty"`
		ResolutionStats         *ResolutionStats `json:"resolution_stats,omitempty"`
		AspectRatioDistribution map[string]int   `json:"aspect_ratio_distribution,omitempty"`
		Captions                CaptionAnalysis  `json:"caption_analysis"`
		Recommendations         Recommendations  `json:"recommendations"`
	}
)

// ErrorAnalysis is the report written when the dataset cannot be analyzed.
func ErrorAnalysis(dir string, err error) *Analysis {
	return &Analysis{Status: "error", Error: err.Error(), DataDir: dir, GeneratedAt: time.Now().UTC()}
}

// Analyze inspects every image under dir: dimensions, aspect ratios and
// captions, and derives recommended profile and bucket settings.
func Analyze(dir string) (*Analysis, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, notFound(dir)
	}
	images, others, err := scan(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan dataset %s: %w", dir, err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found in %s (supported: %s)", dir, strings.Join(imageExts, ", "))
	}

	a := &Analysis{
		Status:      "success",
		DataDir:     dir,
		GeneratedAt: time.Now().UTC(),
		ImageCount:  len(images),
	}

	var captionPaths []string
	for _, rel := range images {
		info := inspect(dir, rel)
		capPath, ok := findCaption(rel, others, analysisCaptionExts)
		info.HasCaption = ok
		if ok {
			captionPaths = append(captionPaths, capPath)
		}
		a.Images = append(a.Images, info)
	}

	a.Captions = analyzeCaptions(dir, captionPaths, len(images))
	a.ResolutionStats, a.AspectRatioDistribution = resolutionStats(a.Images)
	a.Recommendations = recommend(a)
	for i := range a.Images {
		if a.Images[i].Width > 0 {
			a.Images[i].BucketW, a.Images[i].BucketH = BucketResolution(a.Images[i].Width, a.Images[i].Height, a.Recommendations.BaseResolution)
		}
	}
	return a, nil
}

// WriteReport writes a as indented JSON, creating parent directories.
func WriteReport(path string, a *Analysis) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dataset report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// BucketResolution is the bucket an image of w x h lands in for a base
// resolution: the long side becomes base, the short side keeps the aspect
// ratio, both rounded down to BucketStep.
func BucketResolution(w, h, base int) (bw, bh int) {
	aspect := float64(w) / float64(h)
	if aspect >= 1 {
		bw, bh = base, int(float64(base)/aspect)
	} else {
		bw, bh = int(float64(base)*aspect), base
	}
	return max(BucketStep, bw/BucketStep*BucketStep), max(BucketStep, bh/BucketStep*BucketStep)
}

func inspect(dir, rel string) ImageInfo {
	path := filepath.Join(dir, rel)
	info := ImageInfo{Name: filepath.Base(rel), Path: rel}
	st, err := os.Stat(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.SizeBytes = st.Size()

	f, err := os.Open(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	defer func() { _ = f.Close() }()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Width, info.Height, info.Format = cfg.Width, cfg.Height, format
	if cfg.Height > 0 {
		info.AspectRatio = math.Round(float64(cfg.Width)/float64(cfg.Height)*1000) / 1000
	}
	return info
}

func analyzeCaptions(dir string, paths []string, images int) CaptionAnalysis {
	ca := CaptionAnalysis{Total: images, Missing: images - len(paths), Warnings: []string{}}

	var texts []string
	counts := map[string]int{}
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, p))
		if err != nil {
			ca.Missing++
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			ca.Empty++
			continue
		}
		texts = append(texts, text)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			if w = strings.Trim(w, ",.;:!?\"'()"); w != "" {
				counts[w]++
			}
		}
	}
	if len(texts) == 0 {
		return ca
	}

	total := 0
	unique := map[string]struct{}{}
	for _, t := range texts {
		total += len(t)
		unique[t] = struct{}{}
	}
	ca.AvgLength = math.Round(float64(total)/float64(len(texts))*10) / 10
	ca.UniqueCaptions = len(unique)
	if float64(ca.UniqueCaptions) < float64(len(texts))*0.5 {
		ca.Warnings = append(ca.Warnings, "Many duplicate captions detected - add variety")
	}
	ca.TriggerToken = triggerToken(counts, len(texts))
	return ca
}

// triggerToken returns the most common word longer than three characters
// that appears in at least 80% of captions, among the 20 most common words.
func triggerToken(counts map[string]int, captions int) string {
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	slices.SortFunc(words, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, w := range words[:min(20, len(words))] {
		if float64(counts[w]) >= float64(captions)*0.8 && len([]rune(w)) > 3 {
			return w
		}
	}
	return ""
}

func resolutionStats(images []ImageInfo) (*ResolutionStats, map[string]int) {
	var st *ResolutionStats
	dist := map[string]int{}
	sumW, sumH, n := 0, 0, 0
	for _, img := range images {
		if img.Width == 0 || img.Height == 0 {
			continue
		}
		if st == nil {
			st = &ResolutionStats{MinWidth: img.Width, MinHeight: img.Height, MaxWidth: img.Width, MaxHeight: img.Height}
		}
		st.MinWidth, st.MaxWidth = min(st.MinWidth, img.Width), max(st.MaxWidth, img.Width)
		st.MinHeight, st.MaxHeight = min(st.MinHeight, img.Height), max(st.MaxHeight, img.Height)
		sumW, sumH, n = sumW+img.Width, sumH+img.Height, n+1
		dist[strconv.FormatFloat(math.Round(img.AspectRatio*10)/10, 'f', 1, 64)]++
	}
	if st != nil {
		st.AvgWidth, st.AvgHeight = sumW/n, sumH/n
	}
	return st, dist
}

func recommend(a *Analysis) Recommendations {
	rec := Recommendations{
		Profile:        profile.Fast,
		BaseResolution: 512,
		MinBucketReso:  256,
		MaxBucketReso:  768,
		Warnings:       []string{},
		Suggestions:    []string{},
	}
	warn := func(format string, args ...any) { rec.Warnings = append(rec.Warnings, fmt.Sprintf(format, args...)) }

	n := a.ImageCount
	switch {
	case n < 10:
		warn("Very few images (%d). Minimum recommended: 15-30", n)
	case n < 15:
		warn("Low image count (%d). Consider adding more images", n)
	case n >= 30:
		rec.Suggestions = append(rec.Suggestions, fmt.Sprintf("Good dataset size (%d images)", n))
		rec.Profile = profile.Final
	}

	if st := a.ResolutionStats; st != nil {
		minDim := min(st.MinWidth, st.MinHeight)
		switch {
		case minDim >= 768:
			rec.BaseResolution, rec.MinBucketReso, rec.MaxBucketReso = 768, 384, 1024
			if minDim >= 1024 {
				rec.Suggestions = append(rec.Suggestions, "High-res dataset - using 768 base resolution")
			}
		case minDim < 512:
			rec.MaxBucketReso = 512
			warn("Some images are low resolution (%dpx min)", minDim)
		}
	}

	if len(a.AspectRatioDistribution) > 0 {
		if len(a.AspectRatioDistribution) < 3 {
			warn("Low aspect ratio diversity - consider varied crops")
		}
		extreme := 0
		for _, img := range a.Images {
			if img.AspectRatio > 0 && (img.AspectRatio < 0.5 || img.AspectRatio > 2.0) {
				extreme++
			}
		}
		if extreme > 0 {
			warn("%d images have extreme aspect ratios", extreme)
		}
	}

	if a.Captions.Missing > 0 {
		warn("%d images missing captions", a.Captions.Missing)
	}
	if a.Captions.Empty > 0 {
		warn("%d captions are empty", a.Captions.Empty)
	}
	if a.Captions.TriggerToken == "" {
		warn("No consistent trigger token detected in captions")
	}
	return rec
}
