// Package forest implements a bagged ensemble of CART classification trees
// for binary labels.
package forest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

var (
	ErrNotFitted     = errors.New("forest: model is not fitted")
	ErrInvalidLabels = errors.New("forest: labels must be 0 or 1")
)

// Criterion names accepted by Params.Criterion.
const (
	Gini    = "gini"
	Entropy = "entropy"
	LogLoss = "log_loss"
)

// Params are the forest hyperparameters. Zero values select the usual
// defaults: unlimited depth, all features, no leaf cap and no pruning.
type Params struct {
	NEstimators           int             `json:"n_estimators"`
	Criterion             string          `json:"criterion"`
	MaxDepth              int             `json:"max_depth"`
	MinSamplesSplit       int             `json:"min_samples_split"`
	MinSamplesLeaf        int             `json:"min_samples_leaf"`
	MinWeightFractionLeaf float64         `json:"min_weight_fraction_leaf"`
	MaxFeatures           float64         `json:"max_features"`
	MaxLeafNodes          int             `json:"max_leaf_nodes"`
	MinImpurityDecrease   float64         `json:"min_impurity_decrease"`
	Bootstrap             bool            `json:"bootstrap"`
	MaxSamples            float64         `json:"max_samples"`
	OOBScore              bool            `json:"oob_score"`
	RandomState           int64           `json:"random_state"`
	ClassWeight           map[int]float64 `json:"class_weight,omitempty"`
	CCPAlpha              float64         `json:"ccp_alpha"`
	Verbose               int             `json:"verbose"`
	WarmStart             bool            `json:"warm_start"`
	// NJobs bounds concurrent tree fits; 0 uses every CPU.
	NJobs int `json:"-"`
}

func (p Params) withDefaults() Params {
	if p.NEstimators <= 0 {
		p.NEstimators = 100
	}
	if p.Criterion == "" {
		p.Criterion = Gini
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}
	if p.NJobs <= 0 {
		p.NJobs = runtime.NumCPU()
	}
	return p
}

func criterionFor(name string) (criterion, error) {
	switch name {
	case Gini:
		return gini, nil
	case Entropy, LogLoss:
		return entropy, nil
	}
	return nil, fmt.Errorf("forest: unknown criterion %q", name)
}

// Forest is a fitted (or empty) random forest.
type Forest struct {
	Params    Params  `json:"params"`
	NFeatures int     `json:"n_features"`
	Trees     []*Tree `json:"trees"`
	OOB       float64 `json:"oob_score,omitempty"`
	HasOOB    bool    `json:"has_oob,omitempty"`
}

func New(p Params) *Forest {
	return &Forest{Params: p.withDefaults()}
}

func (f *Forest) classWeight(label int) float64 {
	if w, ok := f.Params.ClassWeight[label]; ok {
		return w
	}
	return 1
}

func (f *Forest) maxFeatures(n int) int {
	frac := f.Params.MaxFeatures
	if frac <= 0 || frac >= 1 {
		return n
	}
	m := int(frac * float64(n))
	if m < 1 {
		m = 1
	}
	return m
}

func (f *Forest) drawCount(n int) int {
	ms := f.Params.MaxSamples
	if ms <= 0 {
		return n
	}
	if ms <= 1 {
		return int(math.Max(1, math.Round(ms*float64(n))))
	}
	return int(math.Min(ms, float64(n)))
}

// sample draws the bootstrap for one tree and returns the in-bag rows with
// their weights (draw count times class weight).
func (f *Forest) sample(rng *rand.Rand, y []int) (rows []int, weights []float64, inBag []bool) {
	n := len(y)
	counts := make([]int, n)
	if f.Params.Bootstrap {
		for k := f.drawCount(n); k > 0; k-- {
			counts[rng.Intn(n)]++
		}
	} else {
		for i := range counts {
			counts[i] = 1
		}
	}
	weights = make([]float64, n)
	inBag = make([]bool, n)
	for i, c := range counts {
		if c == 0 {
			continue
		}
		weights[i] = float64(c) * f.classWeight(y[i])
		if weights[i] <= 0 {
			continue
		}
		inBag[i] = true
		rows = append(rows, i)
	}
	return rows, weights, inBag
}

func validate(x [][]float64, y []int) (int, error) {
	if len(x) == 0 {
		return 0, errors.New("forest: no training rows")
	}
	if len(x) != len(y) {
		return 0, fmt.Errorf("forest: %d rows but %d labels", len(x), len(y))
	}
	nFeatures := len(x[0])
	if nFeatures == 0 {
		return 0, errors.New("forest: no feature columns")
	}
	for i, row := range x {
		if len(row) != nFeatures {
			return 0, fmt.Errorf("forest: row %d has %d features, want %d", i, len(row), nFeatures)
		}
		if y[i] != 0 && y[i] != 1 {
			return 0, fmt.Errorf("%w: row %d has label %d", ErrInvalidLabels, i, y[i])
		}
	}
	return nFeatures, nil
}

// Fit grows NEstimators trees in parallel. With WarmStart set and trees
// already present, only the missing trees are grown and the existing ones
// are kept.
func (f *Forest) Fit(ctx context.Context, x [][]float64, y []int) error {
	f.Params = f.Params.withDefaults()
	nFeatures, err := validate(x, y)
	if err != nil {
		return err
	}
	impurity, err := criterionFor(f.Params.Criterion)
	if err != nil {
		return err
	}

	if !f.Params.WarmStart || len(f.Trees) == 0 {
		f.Trees = nil
		f.NFeatures = nFeatures
	} else if f.NFeatures != nFeatures {
		return fmt.Errorf("forest: warm start with %d features, model has %d", nFeatures, f.NFeatures)
	}

	start := len(f.Trees)
	if f.Params.NEstimators < start {
		return fmt.Errorf("forest: n_estimators=%d is below the %d trees already fitted", f.Params.NEstimators, start)
	}
	if f.Params.NEstimators == start {
		log.Warn().Int("trees", start).Msg("Warm start requested without new trees to fit")
		return nil
	}

	// Seeds for every tree position are derived up front so a tree's seed does
	// not depend on scheduling or on how many trees a warm start adds.
	master := rand.New(rand.NewSource(f.Params.RandomState))
	seeds := make([]int64, f.Params.NEstimators)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	grown := make([]*Tree, f.Params.NEstimators-start)
	bags := make([][]bool, len(grown))
	maxFeatures := f.maxFeatures(nFeatures)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Params.NJobs)
	for i := range grown {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[start+i]))
			rows, weights, inBag := f.sample(rng, y)
			if len(rows) == 0 {
				return fmt.Errorf("forest: tree %d has no weighted samples", start+i)
			}
			b := &builder{
				x:           x,
				y:           y,
				w:           weights,
				params:      &f.Params,
				impurity:    impurity,
				rng:         rng,
				nFeatures:   nFeatures,
				maxFeatures: maxFeatures,
			}
			grown[i] = b.build(rows)
			bags[i] = inBag
			if f.Params.Verbose > 1 {
				log.Debug().
					Int("tree", start+i+1).
					Int("of", f.Params.NEstimators).
					Int("nodes", len(grown[i].Nodes)).
					Int("leaves", grown[i].leaves()).
					Msg("Tree fitted")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("forest: fit: %w", err)
	}

	f.Trees = append(f.Trees, grown...)
	f.HasOOB = false
	if f.Params.OOBScore && f.Params.Bootstrap && start == 0 {
		f.OOB, f.HasOOB = oobScore(grown, bags, x, y)
	}
	if f.Params.Verbose > 0 {
		log.Info().Int("trees", len(f.Trees)).Int("features", nFeatures).Msg("Forest fitted")
	}
	return nil
}

// oobScore is the accuracy of each row predicted only by trees that did
// not see it. Rows that were in every bag are left out.
func oobScore(trees []*Tree, bags [][]bool, x [][]float64, y []int) (float64, bool) {
	sums := make([][2]float64, len(x))
	seen := make([]bool, len(x))
	for t, tree := range trees {
		for i := range x {
			if bags[t][i] {
				continue
			}
			p := tree.proba(x[i])
			sums[i][0] += p[0]
			sums[i][1] += p[1]
			seen[i] = true
		}
	}
	correct, total := 0, 0
	for i := range x {
		if !seen[i] {
			continue
		}
		pred := 0
		if sums[i][1] > sums[i][0] {
			pred = 1
		}
		if pred == y[i] {
			correct++
		}
		total++
	}
	if total == 0 {
		log.Warn().Msg("Too few trees for a reliable out-of-bag estimate")
		return 0, false
	}
	return float64(correct) / float64(total), true
}

// PredictProba returns [P(0), P(1)] per row, averaged over the trees.
func (f *Forest) PredictProba(x [][]float64) ([][]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	for i, row := range x {
		if len(row) != f.NFeatures {
			return nil, fmt.Errorf("forest: row %d has %d features, want %d", i, len(row), f.NFeatures)
		}
	}

	out := make([][]float64, len(x))
	jobs := runtime.NumCPU()
	chunk := (len(x) + jobs - 1) / jobs
	if chunk < 256 {
		chunk = 256
	}

	var g errgroup.Group
	for lo := 0; lo < len(x); lo += chunk {
		hi := min(lo+chunk, len(x))
		g.Go(func() error {
			scale := 1 / float64(len(f.Trees))
			for i := lo; i < hi; i++ {
				var sum [2]float64
				for _, t := range f.Trees {
					p := t.proba(x[i])
					sum[0] += p[0]
					sum[1] += p[1]
				}
				out[i] = []float64{sum[0] * scale, sum[1] * scale}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// FeatureImportances is the mean decrease in impurity averaged over the
// trees and normalised to sum to 1. When no tree split at all every
// feature gets the same share.
func (f *Forest) FeatureImportances() ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, ErrNotFitted
	}
	total := make([]float64, f.NFeatures)
	for _, t := range f.Trees {
		if imp := t.importances(f.NFeatures); imp != nil {
			floats.Add(total, imp)
		}
	}
	sum := floats.Sum(total)
	if sum <= 0 {
		for i := range total {
			total[i] = 1 / float64(f.NFeatures)
		}
		return total, nil
	}
	floats.Scale(1/sum, total)
	return total, nil
}

// OOBScore reports the out-of-bag accuracy computed by the last Fit.
func (f *Forest) OOBScore() (float64, bool) {
	return f.OOB, f.HasOOB
}

func (f *Forest) MarshalBinary() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Forest) UnmarshalBinary(data []byte) error {
	var decoded Forest
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("forest: decode: %w", err)
	}
	for i, t := range decoded.Trees {
		if t == nil || len(t.Nodes) == 0 {
			return fmt.Errorf("forest: decode: tree %d is empty", i)
		}
	}
	decoded.Params = decoded.Params.withDefaults()
	*f = decoded
	return nil
}
