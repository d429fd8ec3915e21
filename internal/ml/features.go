package ml

import (
	"errors"
	"fmt"
	"math"

	"trendcast/internal/table"
)

var ErrNonNumericFeature = errors.New("non-numeric feature column")

// FeatureMatrix turns every column except the excluded and temporal ones
// into a row-major matrix. Nulls become NaN. A text column is an error.
func FeatureMatrix(t *table.Table, exclude ...string) ([]string, [][]float64, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	for _, name := range t.TemporalColumns() {
		skip[name] = true
	}

	var cols []*table.Column
	var names []string
	for _, c := range t.Columns() {
		if skip[c.Name] {
			continue
		}
		if !c.Kind.Numeric() {
			return nil, nil, fmt.Errorf("%w: %q is %s", ErrNonNumericFeature, c.Name, c.Kind)
		}
		cols = append(cols, c)
		names = append(names, c.Name)
	}

	x := make([][]float64, t.NumRows())
	for i := range x {
		row := make([]float64, len(cols))
		for j, c := range cols {
			if v, ok := c.Float(i); ok {
				row[j] = v
			} else {
				row[j] = math.NaN()
			}
		}
		x[i] = row
	}
	return names, x, nil
}
