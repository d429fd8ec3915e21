// Package trainer fits the up/down classifier on the consolidated training
// table, scores it on the chronological validation tail and persists the
// model and its feature importances.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"trendcast/internal/common"
	"trendcast/internal/ml"
	"trendcast/internal/ml/forest"
	"trendcast/internal/table"
)

var (
	ErrEmptyTrainingSet  = errors.New("training split is empty")
	ErrNonNumericFeature = ml.ErrNonNumericFeature
	ErrMissingTarget     = errors.New("target column missing from training table")
)

// MetricsInterface defines metrics methods needed by the trainer
type MetricsInterface interface {
	TrainingRowsSet(n int)
	ValidationRowsSet(n int)
	AbstentionsSet(n int)
	FitDurationObserve(d time.Duration)
	EvaluationScoreSet(metric string, v float64)
}

type Config struct {
	TargetColumn           string
	DateColumn             string
	Learner                ml.LearnerConfig
	ConfidenceThresholdPos float64
	ConfidenceThresholdNeg float64
	ModelDir               string
	FeatureImportancePath  string
	// ImportanceSeed drives the shuffles of permutation importance.
	ImportanceSeed int64
	Metrics        MetricsInterface
	// ReportWriter receives the classification report; nil discards it.
	ReportWriter io.Writer
}

// Report summarises a training run.
type Report struct {
	Learner        ml.Learner
	Features       []string
	TrainingRows   int
	ValidationRows int
	Retained       int
	Abstained      int
	Evaluation     Evaluation
	OOBScore       *float64
	ModelPath      string
	ImportancePath string
	Importances    []ml.FeatureImportance
	FitDuration    time.Duration
}

// ModelPath is the canonical model location inside modelDir.
func ModelPath(modelDir string) string {
	return filepath.Join(modelDir, common.ModelFile)
}

// Labels marks rows whose target is strictly positive as 1. Null targets
// are 0.
func Labels(t *table.Table, targetCol string) ([]int, error) {
	target, ok := t.Column(targetCol)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingTarget, targetCol)
	}
	y := make([]int, t.NumRows())
	for i := range y {
		if v, ok := target.Float(i); ok && v > 0 {
			y[i] = 1
		}
	}
	return y, nil
}

// SplitIndex is the first validation row: the leading 90% of rows train.
func SplitIndex(n int) int {
	return int(float64(n) * (1 - common.ValidationFraction))
}

// Train fits, evaluates and persists the classifier.
func Train(ctx context.Context, t *table.Table, cfg Config) (*Report, error) {
	y, err := Labels(t, cfg.TargetColumn)
	if err != nil {
		return nil, err
	}
	names, x, err := ml.FeatureMatrix(t, cfg.TargetColumn, cfg.DateColumn)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no feature columns", ErrEmptyTrainingSet)
	}

	split := SplitIndex(len(x))
	if split == 0 {
		return nil, ErrEmptyTrainingSet
	}
	xTrain, yTrain := x[:split], y[:split]
	xVal, yVal := x[split:], y[split:]

	kind := cfg.Learner.Kind
	if kind == "" {
		kind = ml.RandomForest
	}
	modelPath := ModelPath(cfg.ModelDir)
	report := &Report{
		Learner:        kind,
		Features:       names,
		TrainingRows:   len(xTrain),
		ValidationRows: len(xVal),
		ModelPath:      modelPath,
		ImportancePath: cfg.FeatureImportancePath,
	}
	if cfg.Metrics != nil {
		cfg.Metrics.TrainingRowsSet(report.TrainingRows)
		cfg.Metrics.ValidationRowsSet(report.ValidationRows)
	}

	clf, err := newClassifier(cfg, kind, modelPath, names)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(modelPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove previous model: %w", err)
	}

	log.Info().
		Str("learner", string(kind)).
		Int("train_rows", len(xTrain)).
		Int("validation_rows", len(xVal)).
		Int("features", len(names)).
		Msg("Training model")

	start := time.Now()
	if err := clf.Fit(ctx, xTrain, yTrain); err != nil {
		return nil, fmt.Errorf("fit %s: %w", kind, err)
	}
	report.FitDuration = time.Since(start)
	if cfg.Metrics != nil {
		cfg.Metrics.FitDurationObserve(report.FitDuration)
	}
	if s, ok := clf.(ml.OOBScorer); ok {
		if score, ok := s.OOBScore(); ok {
			report.OOBScore = &score
			log.Info().Float64("oob_score", score).Msg("Out-of-bag score")
		}
	}

	if err := evaluate(cfg, clf, xVal, yVal, report); err != nil {
		return nil, err
	}

	model := &ml.Model{
		Meta: ml.Artifact{
			Learner:      kind,
			FeatureNames: names,
			TargetColumn: cfg.TargetColumn,
			DateColumn:   cfg.DateColumn,
			TrainingRows: len(xTrain),
			Baseline:     ml.NewBaseline(names, xTrain),
		},
		Classifier: clf,
	}
	if err := ml.SaveModel(modelPath, model); err != nil {
		return nil, err
	}
	log.Info().Str("path", modelPath).Msg("Model saved")

	// Learners without native importances are probed on the validation
	// tail; a tiny table may have none, so fall back to the training rows.
	xImp, yImp := xVal, yVal
	if len(xImp) == 0 {
		xImp, yImp = xTrain, yTrain
	}
	imp, err := ml.Importances(ctx, clf, xImp, yImp, cfg.ImportanceSeed)
	if err != nil {
		return nil, fmt.Errorf("feature importances: %w", err)
	}
	ranked, err := ml.RankImportances(names, imp)
	if err != nil {
		return nil, err
	}
	if err := table.Write(cfg.FeatureImportancePath, ml.ImportanceTable(ranked)); err != nil {
		return nil, fmt.Errorf("write feature importances: %w", err)
	}
	report.Importances = ranked
	log.Info().Str("path", cfg.FeatureImportancePath).Msg("Feature importances saved")

	return report, nil
}

// newClassifier builds the configured learner. With forest warm start
// enabled and a compatible forest on disk, that forest is extended instead.
func newClassifier(cfg Config, kind ml.Learner, modelPath string, names []string) (ml.Classifier, error) {
	if kind == ml.RandomForest && cfg.Learner.Forest.WarmStart {
		prev, err := ml.LoadModel(modelPath)
		switch {
		case err != nil:
			log.Info().Err(err).Msg("Warm start requested but no previous forest could be loaded")
		case prev.Meta.Learner != ml.RandomForest || !prev.SameFeatures(names):
			log.Warn().Msg("Previous model does not match the current features, training from scratch")
		default:
			if f, ok := prev.Classifier.(*forest.Forest); ok {
				f.Params = cfg.Learner.Forest
				log.Info().Int("trees", len(f.Trees)).Msg("Warm starting from previous forest")
				return f, nil
			}
		}
	}
	lc := cfg.Learner
	lc.Kind = kind
	return ml.NewClassifier(lc)
}

func evaluate(cfg Config, clf ml.Classifier, xVal [][]float64, yVal []int, report *Report) error {
	if len(xVal) == 0 {
		log.Warn().Msg("Validation split is empty, skipping evaluation")
		return nil
	}
	probs, err := clf.PredictProba(xVal)
	if err != nil {
		return fmt.Errorf("predict validation rows: %w", err)
	}
	pred := DualThreshold(probs, cfg.ConfidenceThresholdPos, cfg.ConfidenceThresholdNeg)

	var truth, kept []int
	for i, p := range pred {
		if p == Abstain {
			continue
		}
		truth = append(truth, yVal[i])
		kept = append(kept, p)
	}
	report.Retained = len(kept)
	report.Abstained = len(pred) - len(kept)
	if cfg.Metrics != nil {
		cfg.Metrics.AbstentionsSet(report.Abstained)
	}

	if len(kept) == 0 {
		log.Warn().Int("abstained", report.Abstained).Msg("Every validation row abstained, metrics are zero")
		report.Evaluation = Evaluation{Classes: map[int]ClassStats{}}
		return nil
	}

	ev := Evaluate(truth, kept)
	report.Evaluation = ev
	if cfg.Metrics != nil {
		cfg.Metrics.EvaluationScoreSet("accuracy", ev.Accuracy)
		cfg.Metrics.EvaluationScoreSet("f1", ev.F1)
		cfg.Metrics.EvaluationScoreSet("precision", ev.Precision)
		cfg.Metrics.EvaluationScoreSet("recall", ev.Recall)
	}

	log.Info().
		Float64("accuracy", ev.Accuracy).
		Float64("f1", ev.F1).
		Float64("precision", ev.Precision).
		Float64("recall", ev.Recall).
		Int("retained", report.Retained).
		Int("abstained", report.Abstained).
		Msg("Validation metrics")

	text := ev.Report()
	log.Debug().Msg("Classification report:\n" + text)
	if cfg.ReportWriter != nil {
		fmt.Fprint(cfg.ReportWriter, "Classification Report:\n"+text)
	}
	return nil
}
