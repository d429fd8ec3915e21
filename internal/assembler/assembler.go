// Package assembler builds the consolidated training table from a sample of
// per-instrument feature files. Each file's target is shifted one row back
// so a row's label is the next period's change, and the edges of every file
// are trimmed before rows are grouped by date.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"trendcast/internal/common"
	"trendcast/internal/table"
)

var (
	ErrInputDirMissing = errors.New("input directory does not exist")
	ErrNoTrainingData  = errors.New("no training data assembled")
)

// Skip reasons reported to metrics and logs.
const (
	SkipReadError        = "read_error"
	SkipTooFewRows       = "too_few_rows"
	SkipMissingTarget    = "missing_target"
	SkipMissingDate      = "missing_date"
	SkipNonNumericTarget = "non_numeric_target"
	SkipBadDate          = "bad_date"
	SkipSchemaMismatch   = "schema_mismatch"
)

// MetricsInterface defines metrics methods needed by the assembler
type MetricsInterface interface {
	FilesSelectedAdd(n int)
	FileSkippedInc(reason string)
	RowsAssembledSet(n int)
}

type Options struct {
	InputDir     string
	OutputDir    string
	Percentage   float64
	TargetColumn string
	DateColumn   string
	// Reuse returns the existing consolidated table when present.
	Reuse bool
	// Seed drives file sampling and the per-date shuffle; 0 seeds from the
	// clock.
	Seed     int64
	Metrics  MetricsInterface
	Progress io.Writer
}

// Result is the consolidated table plus bookkeeping about how it was built.
type Result struct {
	Table          *table.Table
	Path           string
	Reused         bool
	FilesAvailable int
	FilesSelected  int
	FilesAccepted  int
	Skipped        map[string]int
}

// OutputPath is the canonical location of the consolidated table.
func OutputPath(outputDir string) string {
	return filepath.Join(outputDir, common.TrainingDataFile)
}

// Assemble produces the consolidated training table and writes it to
// OutputPath(opts.OutputDir).
func Assemble(ctx context.Context, opts Options) (*Result, error) {
	out := OutputPath(opts.OutputDir)

	if opts.Reuse {
		if _, err := os.Stat(out); err == nil {
			log.Info().Str("path", out).Msg("Reusing existing training data")
			tbl, err := table.Read(out)
			if err != nil {
				return nil, fmt.Errorf("read existing training data: %w", err)
			}
			return &Result{Table: tbl, Path: out, Reused: true, Skipped: map[string]int{}}, nil
		}
		log.Info().Str("path", out).Msg("No training data to reuse")
	}

	log.Info().Str("input", opts.InputDir).Float64("percentage", opts.Percentage).Msg("Preparing new training data")

	info, err := os.Stat(opts.InputDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInputDirMissing, opts.InputDir)
	}
	files, err := table.ListFiles(opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("list input files: %w", err)
	}

	rng := newRand(opts.Seed)
	selected := sampleFiles(rng, files, opts.Percentage)
	if opts.Metrics != nil {
		opts.Metrics.FilesSelectedAdd(len(selected))
	}
	log.Info().Int("available", len(files)).Int("selected", len(selected)).Msg("Input files sampled")

	res := &Result{
		Path:           out,
		FilesAvailable: len(files),
		FilesSelected:  len(selected),
		Skipped:        map[string]int{},
	}

	progress := opts.Progress
	if progress == nil {
		progress = os.Stderr
	}
	bar := progressbar.NewOptions(len(selected),
		progressbar.OptionSetDescription("Processing files"),
		progressbar.OptionSetWriter(progress),
	)

	var parts []*table.Table
	for _, name := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, reason := loadFile(filepath.Join(opts.InputDir, name), opts)
		if reason == "" && len(parts) > 0 {
			part, reason = conform(parts[0], part)
		}
		if reason != "" {
			res.Skipped[reason]++
			if opts.Metrics != nil {
				opts.Metrics.FileSkippedInc(reason)
			}
			log.Warn().Str("file", name).Str("reason", reason).Msg("Skipping input file")
		} else {
			parts = append(parts, part)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	res.FilesAccepted = len(parts)

	if len(parts) == 0 {
		return nil, ErrNoTrainingData
	}
	parts, err = widenNumeric(parts)
	if err != nil {
		return nil, fmt.Errorf("widen numeric columns: %w", err)
	}
	combined, err := table.Concat(parts...)
	if err != nil {
		return nil, fmt.Errorf("concatenate input files: %w", err)
	}

	final := groupAndShuffle(combined, opts.DateColumn, rng)
	if final.NumRows() == 0 {
		return nil, ErrNoTrainingData
	}

	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove previous training data: %w", err)
	}
	if err := table.Write(out, final); err != nil {
		return nil, fmt.Errorf("write training data: %w", err)
	}
	if opts.Metrics != nil {
		opts.Metrics.RowsAssembledSet(final.NumRows())
	}
	log.Info().
		Int("files", res.FilesAccepted).
		Int("rows", final.NumRows()).
		Str("path", out).
		Msg("Training data written")

	res.Table = final
	return res, nil
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// sampleFiles picks floor(len(files)*percentage/100) files without
// replacement and returns them in directory order.
func sampleFiles(rng *rand.Rand, files []string, percentage float64) []string {
	k := int(float64(len(files)) * percentage / 100)
	if k > len(files) {
		k = len(files)
	}
	if k <= 0 {
		return nil
	}
	picked := rng.Perm(len(files))[:k]
	sort.Ints(picked)
	out := make([]string, k)
	for i, idx := range picked {
		out[i] = files[idx]
	}
	return out
}

// loadFile reads one input file and applies the per-file transformation. A
// non-empty reason means the file is skipped.
func loadFile(path string, opts Options) (*table.Table, string) {
	t, err := table.Read(path)
	if err != nil {
		log.Debug().Err(err).Str("file", path).Msg("Read failed")
		return nil, SkipReadError
	}
	return prepare(t, opts.TargetColumn, opts.DateColumn)
}

// prepare validates one file's table and returns the rows it contributes:
// the date column coerced to time, the target shifted back one row, the
// first and last EdgeRowsDropped rows removed and rows with a missing or
// out-of-range target dropped.
func prepare(t *table.Table, targetCol, dateCol string) (*table.Table, string) {
	if t.NumRows() <= common.MinInputRows {
		return nil, SkipTooFewRows
	}
	target, ok := t.Column(targetCol)
	if !ok {
		return nil, SkipMissingTarget
	}
	date, ok := t.Column(dateCol)
	if !ok {
		return nil, SkipMissingDate
	}
	if !target.Kind.Numeric() {
		return nil, SkipNonNumericTarget
	}
	dates, err := table.ToTime(date)
	if err != nil {
		log.Debug().Err(err).Str("column", dateCol).Msg("Date coercion failed")
		return nil, SkipBadDate
	}

	shifted := toFloat(target).Shift(-1)
	if err := t.Set(dates); err != nil {
		return nil, SkipBadDate
	}
	if err := t.Set(shifted); err != nil {
		return nil, SkipNonNumericTarget
	}

	n := t.NumRows()
	t = t.Slice(common.EdgeRowsDropped, n-common.EdgeRowsDropped)

	shifted, _ = t.Column(targetCol)
	return t.Filter(func(row int) bool {
		v, ok := shifted.Float(row)
		return ok && math.Abs(v) <= common.MaxAbsTarget
	}), ""
}

func toFloat(c *table.Column) *table.Column {
	out := table.NewColumn(c.Name, table.Float, c.Len())
	for i := range c.Values {
		if v, ok := c.Float(i); ok {
			out.Values = append(out.Values, v)
		} else {
			out.Values = append(out.Values, nil)
		}
	}
	return out
}

// conform reorders t to ref's column order. Columns whose kinds differ
// between files are accepted when both are numeric and are widened later by
// widenNumeric; any other difference in the column set is a schema mismatch.
func conform(ref, t *table.Table) (*table.Table, string) {
	if ref.NumCols() != t.NumCols() {
		return nil, SkipSchemaMismatch
	}
	cols := make([]*table.Column, 0, ref.NumCols())
	for _, rc := range ref.Columns() {
		c, ok := t.Column(rc.Name)
		if !ok {
			return nil, SkipSchemaMismatch
		}
		if c.Kind != rc.Kind && !(c.Kind.Numeric() && rc.Kind.Numeric()) {
			return nil, SkipSchemaMismatch
		}
		cols = append(cols, c)
	}
	out, err := table.New(cols...)
	if err != nil {
		return nil, SkipSchemaMismatch
	}
	return out, ""
}

// widenNumeric converts a column to float in every part when the parts
// disagree on its kind. Parts share one column order after conform.
func widenNumeric(parts []*table.Table) ([]*table.Table, error) {
	if len(parts) < 2 {
		return parts, nil
	}
	var widen []string
	for i, rc := range parts[0].Columns() {
		for _, p := range parts[1:] {
			if p.Columns()[i].Kind != rc.Kind {
				widen = append(widen, rc.Name)
				break
			}
		}
	}
	if len(widen) == 0 {
		return parts, nil
	}
	log.Debug().Strs("columns", widen).Msg("Widening mixed numeric columns to float")

	out := make([]*table.Table, len(parts))
	for i, p := range parts {
		cols := make([]*table.Column, 0, p.NumCols())
		for _, c := range p.Columns() {
			if slices.Contains(widen, c.Name) && c.Kind != table.Float {
				c = toFloat(c)
			}
			cols = append(cols, c)
		}
		t, err := table.New(cols...)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// groupAndShuffle orders rows by ascending date and shuffles the rows that
// share a date. Rows without a date are dropped.
func groupAndShuffle(t *table.Table, dateCol string, rng *rand.Rand) *table.Table {
	dates, ok := t.Column(dateCol)
	if !ok {
		return t.Slice(0, 0)
	}

	groups := make(map[time.Time][]int)
	for row := 0; row < t.NumRows(); row++ {
		d, ok := dates.Time(row)
		if !ok {
			continue
		}
		// Strip the location so equal instants share one key.
		key := d.UTC()
		groups[key] = append(groups[key], row)
	}

	keys := make([]time.Time, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	order := make([]int, 0, t.NumRows())
	for _, k := range keys {
		rows := groups[k]
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		order = append(order, rows...)
	}
	return t.Take(order)
}
