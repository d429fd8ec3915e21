// Package scorer applies a saved model to every feature table in a
// directory and writes each table back with the up probability and the
// thresholded up prediction appended.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"trendcast/internal/common"
	"trendcast/internal/ml"
	"trendcast/internal/table"
)

var (
	ErrModelMissing    = errors.New("model file not found")
	ErrSchemaMismatch  = errors.New("feature columns do not match the model")
	ErrInputDirMissing = errors.New("input directory does not exist")
)

// MetricsInterface defines metrics methods needed by the scorer
type MetricsInterface interface {
	FilesScoredInc()
	RowsScoredAdd(n int)
	UpProbabilityObserve(p float64)
	DriftAlertInc(feature string)
}

type Options struct {
	InputDir     string
	OutputDir    string
	ModelPath    string
	TargetColumn string
	DateColumn   string
	// Threshold is the minimum up probability labelled 1.
	Threshold float64
	// DriftPSIThreshold above which a feature is reported as drifted; 0
	// disables the check.
	DriftPSIThreshold float64
	Metrics           MetricsInterface
	Progress          io.Writer
}

// Summary describes a scoring run.
type Summary struct {
	FilesScored  int
	RowsScored   int
	StaleRemoved int
	Outputs      []string
	DriftAlerts  []ml.DriftAlert
}

// SchemaError details how a table's feature columns differ from the
// model's. It matches ErrSchemaMismatch.
type SchemaError struct {
	File       string
	Missing    []string
	Unexpected []string
	// Reordered is set when the sets agree but the order does not.
	Reordered bool
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	if e.Reordered {
		parts = append(parts, "columns out of order")
	}
	return fmt.Sprintf("%s: %v: %s", e.File, ErrSchemaMismatch, strings.Join(parts, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

// Score writes one prediction table per input table file.
func Score(ctx context.Context, opts Options) (*Summary, error) {
	// Nothing is cleared unless there is something to score.
	info, err := os.Stat(opts.InputDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInputDirMissing, opts.InputDir)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create prediction directory: %w", err)
	}
	removed, err := table.RemoveFiles(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("clear prediction directory: %w", err)
	}
	if removed > 0 {
		log.Info().Int("files", removed).Str("dir", opts.OutputDir).Msg("Removed stale predictions")
	}

	model, err := ml.LoadModel(opts.ModelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelMissing, opts.ModelPath)
		}
		return nil, err
	}
	log.Info().
		Str("path", opts.ModelPath).
		Str("learner", string(model.Meta.Learner)).
		Int("features", len(model.Meta.FeatureNames)).
		Msg("Model loaded")

	files, err := table.ListFiles(opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("list input files: %w", err)
	}
	if len(files) == 0 {
		log.Warn().Str("dir", opts.InputDir).Msg("No input files to score")
	}

	progress := opts.Progress
	if progress == nil {
		progress = os.Stderr
	}
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Scoring files"),
		progressbar.OptionSetWriter(progress),
	)

	sum := &Summary{StaleRemoved: removed}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, alerts, err := scoreFile(model, name, opts)
		if err != nil {
			return nil, err
		}
		sum.FilesScored++
		sum.RowsScored += rows
		sum.Outputs = append(sum.Outputs, filepath.Join(opts.OutputDir, name))
		sum.DriftAlerts = append(sum.DriftAlerts, alerts...)
		if opts.Metrics != nil {
			opts.Metrics.FilesScoredInc()
			opts.Metrics.RowsScoredAdd(rows)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	log.Info().
		Int("files", sum.FilesScored).
		Int("rows", sum.RowsScored).
		Int("drift_alerts", len(sum.DriftAlerts)).
		Str("dir", opts.OutputDir).
		Msg("Predictions saved")
	return sum, nil
}

func scoreFile(model *ml.Model, name string, opts Options) (int, []ml.DriftAlert, error) {
	t, err := table.Read(filepath.Join(opts.InputDir, name))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", name, err)
	}

	date, ok := t.Column(opts.DateColumn)
	if !ok {
		return 0, nil, &SchemaError{File: name, Missing: []string{opts.DateColumn}}
	}
	dates, err := table.ToTime(date)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: coerce %q: %w", name, opts.DateColumn, err)
	}
	if err := t.Set(dates); err != nil {
		return 0, nil, fmt.Errorf("%s: %w", name, err)
	}

	// Output columns from an earlier scoring pass are replaced, not read.
	t = t.Drop(common.ColumnUpProbability, common.ColumnUpPrediction)
	if err := checkFeatures(name, featureColumns(t, opts), model.Meta.FeatureNames); err != nil {
		return 0, nil, err
	}
	names, x, err := ml.FeatureMatrix(t, opts.DateColumn, opts.TargetColumn)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", name, err)
	}

	probs, err := model.PredictProba(x)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: predict: %w", name, err)
	}
	up := make([]float64, len(probs))
	pred := make([]int64, len(probs))
	for i, p := range probs {
		up[i] = p[1]
		if p[1] >= opts.Threshold {
			pred[i] = 1
		}
		if opts.Metrics != nil {
			opts.Metrics.UpProbabilityObserve(p[1])
		}
	}
	if err := t.Set(table.FloatColumn(common.ColumnUpProbability, up)); err != nil {
		return 0, nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := t.Set(table.IntColumn(common.ColumnUpPrediction, pred)); err != nil {
		return 0, nil, fmt.Errorf("%s: %w", name, err)
	}

	out := filepath.Join(opts.OutputDir, name)
	if err := table.Write(out, t); err != nil {
		return 0, nil, fmt.Errorf("write %s: %w", out, err)
	}
	log.Debug().Str("file", name).Int("rows", t.NumRows()).Msg("File scored")

	alerts := ml.DetectDrift(model.Meta.Baseline, names, x, opts.DriftPSIThreshold)
	for _, a := range alerts {
		log.Warn().
			Str("file", name).
			Str("feature", a.FeatureName).
			Float64("psi", a.PSI).
			Str("severity", a.Severity).
			Msg("Feature drift detected")
		if opts.Metrics != nil {
			opts.Metrics.DriftAlertInc(a.FeatureName)
		}
	}
	return t.NumRows(), alerts, nil
}

// featureColumns lists the columns the model would consume, in table order.
func featureColumns(t *table.Table, opts Options) []string {
	skip := map[string]bool{
		opts.DateColumn:   true,
		opts.TargetColumn: true,
	}
	for _, name := range t.TemporalColumns() {
		skip[name] = true
	}
	var names []string
	for _, name := range t.Names() {
		if !skip[name] {
			names = append(names, name)
		}
	}
	return names
}

func checkFeatures(file string, got, want []string) error {
	if slices.Equal(got, want) {
		return nil
	}
	e := &SchemaError{File: file}
	for _, w := range want {
		if !slices.Contains(got, w) {
			e.Missing = append(e.Missing, w)
		}
	}
	for _, g := range got {
		if !slices.Contains(want, g) {
			e.Unexpected = append(e.Unexpected, g)
		}
	}
	e.Reordered = len(e.Missing) == 0 && len(e.Unexpected) == 0
	return e
}
