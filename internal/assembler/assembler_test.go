package assembler

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendcast/internal/common"
	"trendcast/internal/table"
)

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

type mockMetrics struct {
	mu       sync.Mutex
	selected int
	skipped  map[string]int
	rows     int
}

func (m *mockMetrics) FilesSelectedAdd(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected += n
}

func (m *mockMetrics) FileSkippedInc(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.skipped == nil {
		m.skipped = map[string]int{}
	}
	m.skipped[reason]++
}

func (m *mockMetrics) RowsAssembledSet(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = n
}

// instrument builds a feature table with n daily rows; the target of row i
// is target(i) and the single feature is i/2.
func instrument(n int, target func(i int) float64) *table.Table {
	dates := make([]time.Time, n)
	targets := make([]float64, n)
	rsi := make([]float64, n)
	for i := 0; i < n; i++ {
		dates[i] = day0.AddDate(0, 0, i)
		targets[i] = target(i)
		rsi[i] = float64(i) / 2
	}
	return table.MustNew(
		table.TimeColumn(common.DefaultDateColumn, dates),
		table.FloatColumn(common.DefaultTargetColumn, targets),
		table.FloatColumn("rsi_14", rsi),
	)
}

func identity(i int) float64 { return float64(i) }

func writeInput(t *testing.T, dir, name string, tbl *table.Table) {
	t.Helper()
	require.NoError(t, table.Write(filepath.Join(dir, name), tbl))
}

func options(t *testing.T, in string) Options {
	t.Helper()
	return Options{
		InputDir:     in,
		OutputDir:    filepath.Join(t.TempDir(), "TrainingData"),
		Percentage:   100,
		TargetColumn: common.DefaultTargetColumn,
		DateColumn:   common.DefaultDateColumn,
		Seed:         11,
		Progress:     io.Discard,
	}
}

func TestAssemble_ShiftsAndTrimsSingleFile(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "AAA.parquet", instrument(100, identity))

	res, err := Assemble(context.Background(), options(t, in))
	require.NoError(t, err)

	out := res.Table
	require.Equal(t, 96, out.NumRows())
	dates, _ := out.Column(common.DefaultDateColumn)
	target, _ := out.Column(common.DefaultTargetColumn)
	rsi, _ := out.Column("rsi_14")
	for j := 0; j < out.NumRows(); j++ {
		d, ok := dates.Time(j)
		require.True(t, ok)
		orig := int(d.Sub(day0).Hours() / 24)
		assert.Equal(t, j+2, orig, "rows stay in date order after trimming")
		v, _ := target.Float(j)
		assert.Equal(t, float64(orig+1), v, "target is the next row's change")
		f, _ := rsi.Float(j)
		assert.Equal(t, float64(orig)/2, f, "features keep their own row")
	}

	assert.Equal(t, common.TrainingDataFile, filepath.Base(res.Path))
	written, err := table.Read(res.Path)
	require.NoError(t, err)
	assert.Equal(t, out.NumRows(), written.NumRows())
	assert.Equal(t, out.Names(), written.Names())
}

func TestAssemble_RowCountBoundary(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "fifty.parquet", instrument(50, identity))
	writeInput(t, in, "fiftyone.parquet", instrument(51, identity))

	m := &mockMetrics{}
	opts := options(t, in)
	opts.Metrics = m
	res, err := Assemble(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 47, res.Table.NumRows(), "51 rows minus four trimmed edges")
	assert.Equal(t, 1, res.FilesAccepted)
	assert.Equal(t, map[string]int{SkipTooFewRows: 1}, res.Skipped)
	assert.Equal(t, 2, m.selected)
	assert.Equal(t, 1, m.skipped[SkipTooFewRows])
	assert.Equal(t, 47, m.rows)
}

func TestAssemble_DropsOutOfRangeAndNullTargets(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "AAA.parquet", instrument(60, func(i int) float64 {
		switch i {
		case 10:
			return 20000
		case 11:
			return -10000
		case 12:
			return nan()
		}
		return 1
	}))

	res, err := Assemble(context.Background(), options(t, in))
	require.NoError(t, err)

	// 56 rows after trimming; rows 9 and 11 carry the shifted 20000 and NaN.
	assert.Equal(t, 54, res.Table.NumRows())
	target, _ := res.Table.Column(common.DefaultTargetColumn)
	seenBoundary := false
	for i := 0; i < res.Table.NumRows(); i++ {
		v, ok := target.Float(i)
		require.True(t, ok)
		assert.LessOrEqual(t, v, 10000.0)
		assert.GreaterOrEqual(t, v, -10000.0)
		if v == -10000 {
			seenBoundary = true
		}
	}
	assert.True(t, seenBoundary, "the bound itself is kept")
}

func TestAssemble_GroupsByDate(t *testing.T) {
	in := t.TempDir()
	for _, name := range []string{"AAA.parquet", "BBB.parquet", "CCC.parquet"} {
		writeInput(t, in, name, instrument(80, identity))
	}

	res, err := Assemble(context.Background(), options(t, in))
	require.NoError(t, err)
	require.Equal(t, 3*76, res.Table.NumRows())

	dates, _ := res.Table.Column(common.DefaultDateColumn)
	counts := map[time.Time]int{}
	var prev time.Time
	for i := 0; i < res.Table.NumRows(); i++ {
		d, _ := dates.Time(i)
		assert.False(t, d.Before(prev), "dates never decrease")
		prev = d
		counts[d]++
	}
	for d, c := range counts {
		assert.Equal(t, 3, c, "date %s", d)
	}
}

func TestAssemble_SamplesPercentage(t *testing.T) {
	in := t.TempDir()
	for _, name := range []string{"a.parquet", "b.parquet", "c.parquet", "d.parquet", "e.parquet"} {
		writeInput(t, in, name, instrument(60, identity))
	}
	require.NoError(t, os.WriteFile(filepath.Join(in, "README.txt"), []byte("ignored"), 0o600))

	opts := options(t, in)
	opts.Percentage = 50
	res, err := Assemble(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 5, res.FilesAvailable)
	assert.Equal(t, 2, res.FilesSelected, "floor(5 * 50 / 100)")
	assert.Equal(t, 2*56, res.Table.NumRows())

	opts.Percentage = 0
	_, err = Assemble(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoTrainingData)
}

func TestAssemble_SkipsBadFiles(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "good.parquet", instrument(60, identity))

	noTarget := instrument(60, identity).Drop(common.DefaultTargetColumn)
	writeInput(t, in, "notarget.parquet", noTarget)

	noDate := instrument(60, identity).Drop(common.DefaultDateColumn)
	writeInput(t, in, "nodate.parquet", noDate)

	extra := instrument(60, identity)
	require.NoError(t, extra.Set(table.FloatColumn("volume", make([]float64, 60))))
	writeInput(t, in, "zextra.parquet", extra)

	textTarget := instrument(60, identity)
	labels := make([]string, 60)
	for i := range labels {
		labels[i] = "up"
	}
	require.NoError(t, textTarget.Set(table.StringColumn(common.DefaultTargetColumn, labels)))
	writeInput(t, in, "text.parquet", textTarget)

	require.NoError(t, os.WriteFile(filepath.Join(in, "corrupt.parquet"), []byte("not parquet"), 0o600))

	res, err := Assemble(context.Background(), options(t, in))
	require.NoError(t, err)

	assert.Equal(t, 1, res.FilesAccepted)
	assert.Equal(t, 56, res.Table.NumRows())
	assert.Equal(t, map[string]int{
		SkipReadError:        1,
		SkipMissingTarget:    1,
		SkipMissingDate:      1,
		SkipSchemaMismatch:   1,
		SkipNonNumericTarget: 1,
	}, res.Skipped)
}

func TestAssemble_CoercesTextDates(t *testing.T) {
	in := t.TempDir()
	src := instrument(60, identity)
	text := make([]string, 60)
	for i := range text {
		text[i] = day0.AddDate(0, 0, i).Format("2006-01-02")
	}
	require.NoError(t, src.Set(table.StringColumn(common.DefaultDateColumn, text)))
	writeInput(t, in, "AAA.csv", src)

	res, err := Assemble(context.Background(), options(t, in))
	require.NoError(t, err)
	dates, _ := res.Table.Column(common.DefaultDateColumn)
	assert.Equal(t, table.Time, dates.Kind)
	assert.Equal(t, 56, res.Table.NumRows())
}

func TestAssemble_BadDatesSkipped(t *testing.T) {
	in := t.TempDir()
	src := instrument(60, identity)
	text := make([]string, 60)
	for i := range text {
		text[i] = "someday"
	}
	require.NoError(t, src.Set(table.StringColumn(common.DefaultDateColumn, text)))
	writeInput(t, in, "AAA.parquet", src)

	_, err := Assemble(context.Background(), options(t, in))
	assert.ErrorIs(t, err, ErrNoTrainingData)
}

func TestAssemble_MissingInputDir(t *testing.T) {
	_, err := Assemble(context.Background(), options(t, filepath.Join(t.TempDir(), "absent")))
	assert.ErrorIs(t, err, ErrInputDirMissing)
}

func TestAssemble_Reuse(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "AAA.parquet", instrument(60, identity))

	opts := options(t, in)
	opts.Reuse = true
	first, err := Assemble(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, first.Reused, "nothing to reuse on the first run")

	info, err := os.Stat(first.Path)
	require.NoError(t, err)

	// Reuse must not need the input directory nor rewrite the file.
	opts.InputDir = filepath.Join(t.TempDir(), "gone")
	second, err := Assemble(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Table.NumRows(), second.Table.NumRows())

	after, err := os.Stat(second.Path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestAssemble_ReplacesPreviousOutput(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "AAA.parquet", instrument(60, identity))
	opts := options(t, in)

	_, err := Assemble(context.Background(), opts)
	require.NoError(t, err)

	writeInput(t, in, "BBB.parquet", instrument(60, identity))
	res, err := Assemble(context.Background(), opts)
	require.NoError(t, err)

	written, err := table.Read(res.Path)
	require.NoError(t, err)
	assert.Equal(t, 112, written.NumRows())
}

func TestAssemble_DeterministicWithSeed(t *testing.T) {
	in := t.TempDir()
	for _, name := range []string{"a.parquet", "b.parquet", "c.parquet", "d.parquet"} {
		writeInput(t, in, name, instrument(60, func(i int) float64 { return float64(i) + float64(len(name)) }))
	}
	opts := options(t, in)
	opts.Percentage = 75

	a, err := Assemble(context.Background(), opts)
	require.NoError(t, err)
	b, err := Assemble(context.Background(), opts)
	require.NoError(t, err)

	ta, _ := a.Table.Column("rsi_14")
	tb, _ := b.Table.Column("rsi_14")
	assert.Equal(t, ta.Values, tb.Values)
}

func TestAssemble_Cancelled(t *testing.T) {
	in := t.TempDir()
	writeInput(t, in, "AAA.parquet", instrument(60, identity))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Assemble(ctx, options(t, in))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSampleFiles(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e", "f", "g"}
	rng := rand.New(rand.NewSource(1))

	got := sampleFiles(rng, files, 50)
	assert.Len(t, got, 3)
	assert.IsIncreasing(t, got)
	assert.Empty(t, sampleFiles(rng, files, 10))
	assert.Len(t, sampleFiles(rng, files, 100), 7)
}

func TestConform_MixedNumericKinds(t *testing.T) {
	ref := table.MustNew(table.FloatColumn("x", []float64{1.5}))

	out, reason := conform(ref, table.MustNew(table.IntColumn("x", []int64{2})))
	require.Empty(t, reason)
	assert.Equal(t, []string{"x"}, out.Names())

	_, reason = conform(ref, table.MustNew(table.StringColumn("x", []string{"a"})))
	assert.Equal(t, SkipSchemaMismatch, reason)
}

func TestWidenNumeric(t *testing.T) {
	tests := []struct {
		name  string
		parts []*table.Table
	}{
		{
			name: "int then float",
			parts: []*table.Table{
				table.MustNew(table.IntColumn("x", []int64{2})),
				table.MustNew(table.FloatColumn("x", []float64{1.5})),
			},
		},
		{
			name: "float then int",
			parts: []*table.Table{
				table.MustNew(table.FloatColumn("x", []float64{2})),
				table.MustNew(table.IntColumn("x", []int64{1})),
				table.MustNew(table.IntColumn("x", []int64{3})),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := widenNumeric(tt.parts)
			require.NoError(t, err)
			for _, p := range out {
				x, _ := p.Column("x")
				assert.Equal(t, table.Float, x.Kind)
			}
			joined, err := table.Concat(out...)
			require.NoError(t, err)
			assert.Equal(t, len(tt.parts), joined.NumRows())
		})
	}
}

func TestAssemble_WidensIntThenFloatColumns(t *testing.T) {
	in := t.TempDir()
	withVolume := func(vol *table.Column) *table.Table {
		tbl := instrument(60, identity)
		require.NoError(t, tbl.Set(vol))
		return tbl
	}
	ints := make([]int64, 60)
	floats := make([]float64, 60)
	for i := range ints {
		ints[i] = int64(1000 + i)
		floats[i] = 1000.5 + float64(i)
	}
	writeInput(t, in, "AAA.parquet", withVolume(table.IntColumn("Volume", ints)))
	writeInput(t, in, "BBB.parquet", withVolume(table.FloatColumn("Volume", floats)))

	res, err := Assemble(context.Background(), options(t, in))
	require.NoError(t, err)

	assert.Equal(t, 2, res.FilesAccepted)
	assert.Empty(t, res.Skipped)
	require.Equal(t, 112, res.Table.NumRows())
	vol, ok := res.Table.Column("Volume")
	require.True(t, ok)
	assert.Equal(t, table.Float, vol.Kind)

	var whole, half int
	for i := 0; i < vol.Len(); i++ {
		v, ok := vol.Float(i)
		require.True(t, ok)
		if v == float64(int64(v)) {
			whole++
		} else {
			half++
		}
	}
	assert.Equal(t, 56, whole, "integer volumes survive the widening")
	assert.Equal(t, 56, half)
}

func TestGroupAndShuffle_DatesOutsideNanosecondRange(t *testing.T) {
	early := time.Date(1600, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2300, 3, 1, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2000, 3, 1, 0, 0, 0, 0, time.UTC)
	tbl := table.MustNew(
		table.TimeColumn("Date", []time.Time{late, early, mid, late, early}),
		table.FloatColumn("x", []float64{1, 2, 3, 4, 5}),
	)

	out := groupAndShuffle(tbl, "Date", rand.New(rand.NewSource(3)))
	require.Equal(t, 5, out.NumRows())
	dates, _ := out.Column("Date")
	want := []time.Time{early, early, mid, late, late}
	for i, w := range want {
		d, ok := dates.Time(i)
		require.True(t, ok)
		assert.True(t, w.Equal(d), "row %d: got %s, want %s", i, d, w)
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}
