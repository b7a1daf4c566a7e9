// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loractl/loractl/internal/dataset"
)

// DatasetReportFile is the analysis report written under the log directory.
const DatasetReportFile = "dataset_report.json"

type datasetFlags struct {
	dir     string
	trigger string
	format  string
	report  string
}

func newDatasetCommand(app *App) *cobra.Command {
	var f datasetFlags
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Inspect the training dataset",
		Long: `Inspect the image/caption pairs under the dataset directory
(DATA_DIR, default <workspace>/data/subject).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&f.dir, "dir", "", "dataset directory (default paths.data_dir)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check that every image has a caption",
		Example: `  loractl dataset validate
  loractl dataset validate --trigger ohwx --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatasetValidate(cmd.Context(), app, f)
		},
	}
	validate.Flags().StringVar(&f.trigger, "trigger", "", "trigger token every caption must contain")
	validate.Flags().StringVar(&f.format, "format", formatText, "output format (text|json|yaml)")

	fingerprint := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the dataset fingerprint",
		Long: `Print the dataset fingerprint: an md5 over the relative path, size and
modification time of every file. It changes whenever an image or caption is
added, removed or edited.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.datasetDir(cmd.Context(), f.dir)
			if err != nil {
				return err
			}
			hash, err := dataset.Fingerprint(dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(app.Stdout, hash)
			return nil
		},
	}

	analyze := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze image sizes and captions and recommend settings",
		Long: `Analyze image dimensions, aspect ratios and captions, and recommend a
profile, base resolution and bucket range.

The full report is written to <log_dir>/` + DatasetReportFile + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatasetAnalyze(cmd.Context(), app, f)
		},
	}
	analyze.Flags().StringVar(&f.report, "report", "", "report path (default <log_dir>/"+DatasetReportFile+")")

	cmd.AddCommand(validate, fingerprint, analyze)
	return cmd
}

func (a *App) datasetDir(ctx context.Context, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return "", err
	}
	return cfg.Paths.DataDir, nil
}

func runDatasetValidate(ctx context.Context, app *App, f datasetFlags) error {
	dir, err := app.datasetDir(ctx, f.dir)
	if err != nil {
		return err
	}
	report, err := dataset.Validate(dir, dataset.Options{TriggerToken: f.trigger})
	if report != nil {
		if f.format != formatText {
			if werr := writeStructured(app.Stdout, f.format, report); werr != nil {
				return werr
			}
		} else {
			writeDatasetReport(app.Stdout, report)
		}
	}
	return err
}

func writeDatasetReport(w io.Writer, r *dataset.Report) {
	images := len(r.Matched) + len(r.Unmatched)
	fmt.Fprintln(w, TitleStyle.Render("Dataset")+SubtitleStyle.Render(" "+r.Dir))
	fmt.Fprintf(w, "Found %d images, %d captioned\n", images, len(r.Matched))

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintln(w, WarningStyle.Render(fmt.Sprintf("%s (%d):", title, len(items))))
		for _, it := range items {
			fmt.Fprintln(w, "  "+it)
		}
	}
	section("Images without captions", r.Unmatched)
	section("Empty captions", r.EmptyCaptions)
	section("Captions missing "+fmt.Sprintf("%q", r.TriggerToken), r.MissingTrigger)
	section("Captions without images", r.OrphanCaptions)

	if r.OK() && r.Problems() == 0 {
		fmt.Fprintln(w, SuccessStyle.Render("✓ dataset is ready"))
	}
}

func runDatasetAnalyze(ctx context.Context, app *App, f datasetFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	dir := f.dir
	if dir == "" {
		dir = cfg.Paths.DataDir
	}
	reportPath := f.report
	if reportPath == "" {
		reportPath = filepath.Join(cfg.Paths.LogDir, DatasetReportFile)
	}

	analysis, err := dataset.Analyze(dir)
	if err != nil {
		if werr := dataset.WriteReport(reportPath, dataset.ErrorAnalysis(dir, err)); werr != nil {
			app.Logger.Warn("could not write dataset report", "path", reportPath, "err", werr)
		}
		return err
	}
	if err := dataset.WriteReport(reportPath, analysis); err != nil {
		return err
	}

	writeAnalysis(app.Stdout, analysis)
	fmt.Fprintf(app.Stdout, "\n%s %s\n", SubtitleStyle.Render("Report written to"), reportPath)
	return nil
}

func writeAnalysis(w io.Writer, a *dataset.Analysis) {
	var total int64
	for _, img := range a.Images {
		total += img.SizeBytes
	}
	fmt.Fprintln(w, TitleStyle.Render("Dataset analysis")+SubtitleStyle.Render(" "+a.DataDir))
	fmt.Fprintf(w, "Images: %d (%s)\n", a.ImageCount, humanize.Bytes(uint64(total)))

	if s := a.ResolutionStats; s != nil {
		fmt.Fprintf(w, "Resolution: min %dx%d, max %dx%d, avg %dx%d\n",
			s.MinWidth, s.MinHeight, s.MaxWidth, s.MaxHeight, s.AvgWidth, s.AvgHeight)
	}
	if len(a.AspectRatioDistribution) > 0 {
		ratios := make([]string, 0, len(a.AspectRatioDistribution))
		for r := range a.AspectRatioDistribution {
			ratios = append(ratios, r)
		}
		sort.Slice(ratios, func(i, j int) bool {
			ci, cj := a.AspectRatioDistribution[ratios[i]], a.AspectRatioDistribution[ratios[j]]
			if ci != cj {
				return ci > cj
			}
			return ratios[i] < ratios[j]
		})
		fmt.Fprintln(w, "Aspect ratios:")
		for _, r := range ratios {
			fmt.Fprintf(w, "  %-12s %d\n", r, a.AspectRatioDistribution[r])
		}
	}

	c := a.Captions
	fmt.Fprintf(w, "Captions: %d (missing %d, empty %d, unique %d, avg %.0f chars)\n",
		c.Total, c.Missing, c.Empty, c.UniqueCaptions, c.AvgLength)
	if c.TriggerToken != "" {
		fmt.Fprintf(w, "Detected trigger token: %s\n", CmdStyle.Render(c.TriggerToken))
	}
	for _, warn := range c.Warnings {
		fmt.Fprintln(w, WarningStyle.Render("! ")+warn)
	}

	r := a.Recommendations
	fmt.Fprintln(w)
	fmt.Fprintln(w, SubtitleStyle.Render("Recommendations:"))
	fmt.Fprintf(w, "  profile:         %s\n", r.Profile)
	fmt.Fprintf(w, "  resolution:      %d\n", r.BaseResolution)
	fmt.Fprintf(w, "  min_bucket_reso: %d\n", r.MinBucketReso)
	fmt.Fprintf(w, "  max_bucket_reso: %d\n", r.MaxBucketReso)
	for _, warn := range r.Warnings {
		fmt.Fprintln(w, WarningStyle.Render("  ! ")+warn)
	}
	for _, s := range r.Suggestions {
		fmt.Fprintln(w, "  - "+s)
	}
}
