// Package ml holds the classifier contract shared by the learners, the
// persisted model artifact and the helpers built on both: feature
// importance ranking and drift checks against the training baseline.
package ml

import (
	"context"
	"fmt"

	"trendcast/internal/ml/boost"
	"trendcast/internal/ml/forest"
)

// Classifier is a binary probability classifier. PredictProba returns
// [P(0), P(1)] per row; FeatureImportances sums to ~1 when supported.
type Classifier interface {
	Fit(ctx context.Context, x [][]float64, y []int) error
	PredictProba(x [][]float64) ([][]float64, error)
	FeatureImportances() ([]float64, error)
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Learner names a Classifier implementation.
type Learner string

const (
	RandomForest     Learner = "random_forest"
	GradientBoosting Learner = "gradient_boosting"
)

// ErrNoNativeImportances marks learners whose importances must be
// estimated by permutation.
var ErrNoNativeImportances = boost.ErrNoImportances

type LearnerConfig struct {
	Kind   Learner
	Forest forest.Params
	Boost  boost.Params
}

// NewClassifier returns an unfitted classifier of the configured kind.
func NewClassifier(cfg LearnerConfig) (Classifier, error) {
	switch cfg.Kind {
	case RandomForest, "":
		return forest.New(cfg.Forest), nil
	case GradientBoosting:
		return boost.New(cfg.Boost), nil
	}
	return nil, fmt.Errorf("unknown learner %q", cfg.Kind)
}

func emptyClassifier(kind Learner) (Classifier, error) {
	switch kind {
	case RandomForest, "":
		return &forest.Forest{}, nil
	case GradientBoosting:
		return &boost.Model{}, nil
	}
	return nil, fmt.Errorf("unknown learner %q", kind)
}

// OOBScorer is implemented by learners that estimate out-of-bag accuracy.
type OOBScorer interface {
	OOBScore() (float64, bool)
}
