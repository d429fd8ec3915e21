package table

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable(t *testing.T) *Table {
	t.Helper()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	tbl, err := New(
		TimeColumn("Date", []time.Time{day, day.AddDate(0, 0, 1), day.AddDate(0, 0, 2)}),
		FloatColumn("percent_change_Close", []float64{1.5, math.NaN(), -2.25}),
		IntColumn("Volume", []int64{100, 200, 300}),
		StringColumn("Ticker", []string{"AAA", "AAA", "AAA"}),
		&Column{Name: "Flag", Kind: Bool, Values: []any{true, nil, false}},
	)
	require.NoError(t, err)
	return tbl
}

func TestNew_RejectsMismatchedLengths(t *testing.T) {
	_, err := New(
		FloatColumn("a", []float64{1, 2}),
		FloatColumn("b", []float64{1}),
	)
	assert.Error(t, err)
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New(
		FloatColumn("a", []float64{1}),
		FloatColumn("a", []float64{2}),
	)
	assert.Error(t, err)
}

func TestColumn_Shift(t *testing.T) {
	c := FloatColumn("x", []float64{1, 2, 3, 4})
	shifted := c.Shift(-1)

	assert.Equal(t, []any{2.0, 3.0, 4.0, nil}, shifted.Values)
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0}, c.Values, "shift must not modify the source")

	lagged := c.Shift(1)
	assert.Equal(t, []any{nil, 1.0, 2.0, 3.0}, lagged.Values)
}

func TestColumn_FloatConversions(t *testing.T) {
	c := &Column{Name: "x", Kind: Float, Values: []any{1.5, nil, math.NaN()}}
	v, ok := c.Float(0)
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
	_, ok = c.Float(1)
	assert.False(t, ok)
	_, ok = c.Float(2)
	assert.False(t, ok)
	assert.True(t, c.IsNull(2))

	b := &Column{Name: "b", Kind: Bool, Values: []any{true, false}}
	v, _ = b.Float(0)
	assert.Equal(t, 1.0, v)

	i := IntColumn("i", []int64{7})
	v, _ = i.Float(0)
	assert.Equal(t, 7.0, v)
}

func TestTable_DropTakeFilter(t *testing.T) {
	tbl := sampleTable(t)

	dropped := tbl.Drop("Ticker", "missing")
	assert.Equal(t, []string{"Date", "percent_change_Close", "Volume", "Flag"}, dropped.Names())
	assert.Equal(t, 3, dropped.NumRows())

	taken := tbl.Take([]int{2, 0})
	vol, _ := taken.Column("Volume")
	assert.Equal(t, []any{int64(300), int64(100)}, vol.Values)

	filtered := tbl.Filter(func(row int) bool { return row != 1 })
	assert.Equal(t, 2, filtered.NumRows())

	sliced := tbl.Slice(1, 10)
	assert.Equal(t, 2, sliced.NumRows())

	assert.Equal(t, []string{"Date"}, tbl.TemporalColumns())
}

func TestTable_Set(t *testing.T) {
	tbl := sampleTable(t)
	require.NoError(t, tbl.Set(FloatColumn("UpProbability", []float64{0.1, 0.2, 0.9})))
	assert.Equal(t, "UpProbability", tbl.Names()[tbl.NumCols()-1])

	require.NoError(t, tbl.Set(IntColumn("Volume", []int64{1, 2, 3})))
	vol, _ := tbl.Column("Volume")
	assert.Equal(t, int64(1), vol.Values[0])

	assert.Error(t, tbl.Set(FloatColumn("short", []float64{1})))
}

func TestConcat(t *testing.T) {
	a := MustNew(FloatColumn("x", []float64{1, 2}))
	b := MustNew(FloatColumn("x", []float64{3}))

	out, err := Concat(a, b)
	require.NoError(t, err)
	x, _ := out.Column("x")
	assert.Equal(t, []any{1.0, 2.0, 3.0}, x.Values)

	c := MustNew(FloatColumn("y", []float64{3}))
	_, err = Concat(a, c)
	assert.Error(t, err)

	_, err = Concat()
	assert.Error(t, err)
}

func TestToTime(t *testing.T) {
	c := StringColumn("Date", []string{"2024-01-02", "2024-01-03T10:00:00Z", ""})
	out, err := ToTime(c)
	require.NoError(t, err)
	assert.Equal(t, Time, out.Kind)

	first, ok := out.Time(0)
	require.True(t, ok)
	assert.True(t, first.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, out.Values[2])

	_, err = ToTime(StringColumn("Date", []string{"yesterday"}))
	assert.Error(t, err)

	_, err = ToTime(FloatColumn("Date", []float64{1}))
	assert.Error(t, err)

	ints, err := ToTime(IntColumn("Date", []int64{0}))
	require.NoError(t, err)
	epoch, _ := ints.Time(0)
	assert.True(t, epoch.Equal(time.Unix(0, 0)))
}

func TestParquetRoundTrip(t *testing.T) {
	tbl := sampleTable(t)
	path := filepath.Join(t.TempDir(), "nested", "AAA.parquet")

	require.NoError(t, Write(path, tbl))
	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, tbl.Names(), got.Names(), "column order must survive a round trip")
	require.Equal(t, tbl.NumRows(), got.NumRows())

	for _, want := range tbl.Columns() {
		have, ok := got.Column(want.Name)
		require.True(t, ok, want.Name)
		assert.Equal(t, want.Kind, have.Kind, want.Name)
		for i := range want.Values {
			if want.IsNull(i) {
				assert.True(t, have.IsNull(i), "%s[%d]", want.Name, i)
				continue
			}
			if want.Kind == Time {
				wt, _ := want.Time(i)
				ht, _ := have.Time(i)
				assert.True(t, wt.Equal(ht), "%s[%d]", want.Name, i)
				continue
			}
			assert.Equal(t, want.Values[i], have.Values[i], "%s[%d]", want.Name, i)
		}
	}
}

type narrowRow struct {
	Date   time.Time `parquet:"Date,timestamp(millisecond)"`
	Volume int32     `parquet:"Volume"`
	Close  float32   `parquet:"Close"`
}

func TestParquet_NarrowTypesWidenOnRewrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "narrow.parquet")
	day := time.Date(2024, 1, 2, 15, 30, 0, 250_000_000, time.UTC)
	require.NoError(t, parquet.WriteFile(src, []narrowRow{
		{Date: day, Volume: 100, Close: 1.5},
		{Date: day.AddDate(0, 0, 1), Volume: -7, Close: 2.25},
	}))

	tbl, err := Read(src)
	require.NoError(t, err)
	kinds := map[string]Kind{}
	for _, c := range tbl.Columns() {
		kinds[c.Name] = c.Kind
	}
	assert.Equal(t, map[string]Kind{"Date": Time, "Volume": Int, "Close": Float}, kinds)

	dst := filepath.Join(dir, "wide.parquet")
	require.NoError(t, Write(dst, tbl))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	pf, err := parquet.OpenFile(f, info.Size())
	require.NoError(t, err)

	vol, ok := pf.Schema().Lookup("Volume")
	require.True(t, ok)
	assert.Equal(t, parquet.Int64, vol.Node.Type().Kind())
	cl, ok := pf.Schema().Lookup("Close")
	require.True(t, ok)
	assert.Equal(t, parquet.Double, cl.Node.Type().Kind())
	date, ok := pf.Schema().Lookup("Date")
	require.True(t, ok)
	lt := date.Node.Type().LogicalType()
	require.NotNil(t, lt)
	require.NotNil(t, lt.Timestamp)
	assert.NotNil(t, lt.Timestamp.Unit.Nanos)

	// Values survive the widening unchanged.
	got, err := Read(dst)
	require.NoError(t, err)
	v, _ := got.Column("Volume")
	assert.Equal(t, []any{int64(100), int64(-7)}, v.Values)
	c, _ := got.Column("Close")
	assert.Equal(t, []any{1.5, 2.25}, c.Values)
	d, _ := got.Column("Date")
	first, _ := d.Time(0)
	assert.True(t, day.Equal(first))
}

func TestCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AAA.csv")
	tbl := sampleTable(t)
	require.NoError(t, Write(path, tbl))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, tbl.Names(), got.Names())

	date, _ := got.Column("Date")
	assert.Equal(t, String, date.Kind, "dates are text in CSV until coerced")
	coerced, err := ToTime(date)
	require.NoError(t, err)
	d0, _ := coerced.Time(0)
	assert.True(t, d0.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))

	target, _ := got.Column("percent_change_Close")
	assert.Equal(t, Float, target.Kind)
	assert.True(t, target.IsNull(1))

	vol, _ := got.Column("Volume")
	assert.Equal(t, Int, vol.Kind)

	flag, _ := got.Column("Flag")
	assert.Equal(t, Bool, flag.Kind)
}

func TestListAndRemoveFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.parquet", "a.csv", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.parquet"), 0o755))

	names, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv", "b.parquet"}, names)

	removed, err := RemoveFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)

	removed, err = RemoveFiles(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Zero(t, removed)
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := Read("table.json")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.ErrorIs(t, Write(filepath.Join(t.TempDir(), "t.xlsx"), sampleTable(t)), ErrUnsupportedFormat)
}
