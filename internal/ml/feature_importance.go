package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"trendcast/internal/common"
	"trendcast/internal/table"
)

// ImportancePrecision is the number of decimals importances are rounded to.
const ImportancePrecision = 5

// FeatureImportance is one row of the importance table.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Importances returns the classifier's native importances, or permutation
// importances over (x, y) when the learner has none.
func Importances(ctx context.Context, c Classifier, x [][]float64, y []int, seed int64) ([]float64, error) {
	imp, err := c.FeatureImportances()
	if err == nil {
		return imp, nil
	}
	if !errors.Is(err, ErrNoNativeImportances) {
		return nil, err
	}
	return PermutationImportance(ctx, c, x, y, seed)
}

// PermutationImportance measures the accuracy lost when each feature column
// is shuffled. Drops are clipped at zero and normalised to sum to 1; when
// nothing drops every feature gets the same share.
func PermutationImportance(ctx context.Context, c Classifier, x [][]float64, y []int, seed int64) ([]float64, error) {
	if len(x) == 0 {
		return nil, errors.New("permutation importance: no rows")
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("permutation importance: %d rows but %d labels", len(x), len(y))
	}

	baseline, err := accuracy(c, x, y)
	if err != nil {
		return nil, err
	}

	nFeatures := len(x[0])
	rng := rand.New(rand.NewSource(seed))
	permuted := make([][]float64, len(x))
	for i := range x {
		permuted[i] = append([]float64(nil), x[i]...)
	}
	order := make([]int, len(x))

	importance := make([]float64, nFeatures)
	for f := 0; f < nFeatures; f++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range order {
			order[i] = i
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for i := range permuted {
			permuted[i][f] = x[order[i]][f]
		}

		score, err := accuracy(c, permuted, y)
		if err != nil {
			return nil, err
		}
		if drop := baseline - score; drop > 0 {
			importance[f] = drop
		}

		for i := range permuted {
			permuted[i][f] = x[i][f]
		}
	}

	if sum := floats.Sum(importance); sum > 0 {
		floats.Scale(1/sum, importance)
	} else {
		for i := range importance {
			importance[i] = 1 / float64(nFeatures)
		}
	}
	return importance, nil
}

func accuracy(c Classifier, x [][]float64, y []int) (float64, error) {
	probs, err := c.PredictProba(x)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i, p := range probs {
		pred := 0
		if p[1] >= 0.5 {
			pred = 1
		}
		if pred == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(y)), nil
}

// RankImportances pairs names with importances, rounds to
// ImportancePrecision decimals and sorts by importance descending. Ties
// keep the feature order.
func RankImportances(names []string, importances []float64) ([]FeatureImportance, error) {
	if len(names) != len(importances) {
		return nil, fmt.Errorf("%d feature names but %d importances", len(names), len(importances))
	}
	ranked := make([]FeatureImportance, len(names))
	for i, name := range names {
		ranked[i] = FeatureImportance{Feature: name, Importance: importances[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Importance > ranked[j].Importance
	})
	for i := range ranked {
		ranked[i].Importance = scalar.Round(ranked[i].Importance, ImportancePrecision)
	}
	return ranked, nil
}

// ImportanceTable renders ranked importances as a two-column table.
func ImportanceTable(ranked []FeatureImportance) *table.Table {
	names := make([]string, len(ranked))
	values := make([]float64, len(ranked))
	for i, r := range ranked {
		names[i] = r.Feature
		values[i] = r.Importance
	}
	return table.MustNew(
		table.StringColumn(common.ColumnFeature, names),
		table.FloatColumn(common.ColumnImportance, values),
	)
}
