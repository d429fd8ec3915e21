// Package table provides the in-memory columnar table used by every stage of
// the pipeline, together with the on-disk codecs (parquet and CSV) for
// per-instrument feature tables, the consolidated training table, the
// feature-importance table and the prediction tables.
//
// Values are held as []any per column with nil marking a null cell. The
// concrete element type is fixed by the column Kind: float64 for Float,
// int64 for Int, bool for Bool, string for String and time.Time for Time.
package table

import (
	"fmt"
	"math"
	"time"
)

// Kind is the logical type of a column.
type Kind int

const (
	Float Kind = iota
	Int
	Bool
	String
	Time
)

func (k Kind) String() string {
	switch k {
	case Float:
		return "float"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Time:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Numeric reports whether values of the kind can be used as model features.
func (k Kind) Numeric() bool {
	return k == Float || k == Int || k == Bool
}

// Column is a named, typed sequence of values.
type Column struct {
	Name   string
	Kind   Kind
	Values []any
}

// NewColumn creates an empty column with capacity for n values.
func NewColumn(name string, kind Kind, n int) *Column {
	return &Column{Name: name, Kind: kind, Values: make([]any, 0, n)}
}

// FloatColumn builds a Float column from plain values. NaN is stored as null.
func FloatColumn(name string, values []float64) *Column {
	c := NewColumn(name, Float, len(values))
	for _, v := range values {
		if math.IsNaN(v) {
			c.Values = append(c.Values, nil)
			continue
		}
		c.Values = append(c.Values, v)
	}
	return c
}

// IntColumn builds an Int column from plain values.
func IntColumn(name string, values []int64) *Column {
	c := NewColumn(name, Int, len(values))
	for _, v := range values {
		c.Values = append(c.Values, v)
	}
	return c
}

// StringColumn builds a String column from plain values.
func StringColumn(name string, values []string) *Column {
	c := NewColumn(name, String, len(values))
	for _, v := range values {
		c.Values = append(c.Values, v)
	}
	return c
}

// TimeColumn builds a Time column from plain values.
func TimeColumn(name string, values []time.Time) *Column {
	c := NewColumn(name, Time, len(values))
	for _, v := range values {
		c.Values = append(c.Values, v)
	}
	return c
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	return len(c.Values)
}

// IsNull reports whether the i-th value is null. NaN floats count as null.
func (c *Column) IsNull(i int) bool {
	v := c.Values[i]
	if v == nil {
		return true
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return true
	}
	return false
}

// Float returns the i-th value as float64. ok is false for nulls and for
// non-numeric columns.
func (c *Column) Float(i int) (float64, bool) {
	switch v := c.Values[i].(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Time returns the i-th value of a Time column.
func (c *Column) Time(i int) (time.Time, bool) {
	t, ok := c.Values[i].(time.Time)
	return t, ok
}

// Shift moves values by periods rows the way a lagged series does: a
// negative shift pulls later values back (row t receives row t-periods),
// leaving nulls at the vacated tail.
func (c *Column) Shift(periods int) *Column {
	n := c.Len()
	out := &Column{Name: c.Name, Kind: c.Kind, Values: make([]any, n)}
	for i := 0; i < n; i++ {
		src := i - periods
		if src >= 0 && src < n {
			out.Values[i] = c.Values[src]
		}
	}
	return out
}

// Take returns a new column holding the values at the given row positions.
func (c *Column) Take(rows []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind, Values: make([]any, len(rows))}
	for i, r := range rows {
		out.Values[i] = c.Values[r]
	}
	return out
}

// Table is an ordered collection of equal-length columns with unique names.
type Table struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// New assembles a table from columns. All columns must have the same length
// and distinct names.
func New(cols ...*Column) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if c == nil {
			return nil, fmt.Errorf("column %d is nil", i)
		}
		if _, dup := t.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		if i == 0 {
			t.rows = c.Len()
		} else if c.Len() != t.rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", c.Name, c.Len(), t.rows)
		}
		t.index[c.Name] = i
		t.cols = append(t.cols, c)
	}
	return t, nil
}

// MustNew is New for statically known inputs; it panics on error.
func MustNew(cols ...*Column) *Table {
	t, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return t.rows }

// NumCols returns the number of columns.
func (t *Table) NumCols() int { return len(t.cols) }

// Columns returns the columns in order. The slice must not be modified.
func (t *Table) Columns() []*Column { return t.cols }

// Names returns the column names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.Name
	}
	return names
}

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column looks a column up by name.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.cols[i], true
}

// Set replaces the column with the same name, or appends it.
func (t *Table) Set(c *Column) error {
	if len(t.cols) > 0 && c.Len() != t.rows {
		return fmt.Errorf("column %q has %d rows, expected %d", c.Name, c.Len(), t.rows)
	}
	if i, ok := t.index[c.Name]; ok {
		t.cols[i] = c
		return nil
	}
	if len(t.cols) == 0 {
		t.rows = c.Len()
	}
	t.index[c.Name] = len(t.cols)
	t.cols = append(t.cols, c)
	return nil
}

// Drop returns a table without the named columns. Unknown names are ignored.
// Columns are shared with the receiver.
func (t *Table) Drop(names ...string) *Table {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}
	out := &Table{index: make(map[string]int, len(t.cols)), rows: t.rows}
	for _, c := range t.cols {
		if skip[c.Name] {
			continue
		}
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out
}

// Take returns a new table holding the given rows, in the given order.
func (t *Table) Take(rows []int) *Table {
	out := &Table{index: make(map[string]int, len(t.cols)), rows: len(rows)}
	for i, c := range t.cols {
		out.index[c.Name] = i
		out.cols = append(out.cols, c.Take(rows))
	}
	return out
}

// Slice returns rows [from, to).
func (t *Table) Slice(from, to int) *Table {
	if from < 0 {
		from = 0
	}
	if to > t.rows {
		to = t.rows
	}
	if to < from {
		to = from
	}
	rows := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		rows = append(rows, i)
	}
	return t.Take(rows)
}

// Filter returns the rows for which keep returns true.
func (t *Table) Filter(keep func(row int) bool) *Table {
	rows := make([]int, 0, t.rows)
	for i := 0; i < t.rows; i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	return t.Take(rows)
}

// TemporalColumns returns the names of all Time columns.
func (t *Table) TemporalColumns() []string {
	var names []string
	for _, c := range t.cols {
		if c.Kind == Time {
			names = append(names, c.Name)
		}
	}
	return names
}

// SameSchema reports whether both tables have the same column names, kinds
// and order.
func (t *Table) SameSchema(o *Table) bool {
	if len(t.cols) != len(o.cols) {
		return false
	}
	for i, c := range t.cols {
		if o.cols[i].Name != c.Name || o.cols[i].Kind != c.Kind {
			return false
		}
	}
	return true
}

// Concat stacks tables vertically. Every table must share the schema of the
// first one.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to concatenate")
	}
	first := tables[0]
	total := 0
	for i, t := range tables {
		if !first.SameSchema(t) {
			return nil, fmt.Errorf("table %d: schema %v does not match %v", i, t.Names(), first.Names())
		}
		total += t.rows
	}
	cols := make([]*Column, len(first.cols))
	for i, c := range first.cols {
		merged := NewColumn(c.Name, c.Kind, total)
		for _, t := range tables {
			merged.Values = append(merged.Values, t.cols[i].Values...)
		}
		cols[i] = merged
	}
	return New(cols...)
}
