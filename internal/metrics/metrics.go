// Package metrics provides Prometheus metrics for the trendcast pipeline.
// A batch run has no scrape endpoint, so the collected values are written
// to a node-exporter textfile when the run ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trendcast"

// Metrics holds every pipeline metric.
type Metrics struct {
	// Assembly metrics
	FilesSelected prometheus.Counter     // Input files chosen by sampling
	FilesSkipped  *prometheus.CounterVec // Input files rejected, by reason
	RowsAssembled prometheus.Gauge       // Rows in the consolidated training table

	// Training metrics
	TrainingRows    prometheus.Gauge     // Rows the classifier was fitted on
	ValidationRows  prometheus.Gauge     // Rows in the held-out tail
	Abstentions     prometheus.Gauge     // Validation rows left unclassified by the dual threshold
	FitDuration     prometheus.Histogram // Classifier fit time in seconds
	EvaluationScore *prometheus.GaugeVec // Validation scores by metric name

	// Scoring metrics
	FilesScored   prometheus.Counter     // Prediction tables written
	RowsScored    prometheus.Counter     // Rows given a probability
	UpProbability prometheus.Histogram   // Distribution of predicted up probabilities
	DriftAlerts   *prometheus.CounterVec // Features whose PSI exceeded the threshold

	// System metrics
	ErrorsTotal *prometheus.CounterVec // Fatal errors by phase

	gatherer prometheus.Gatherer
}

// New creates metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates metrics registered on registry, which is also the
// source for WriteTextfile.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		FilesSelected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_selected_total",
			Help:      "Total number of input files selected for assembly",
		}),
		FilesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Total number of input files skipped during assembly",
		}, []string{"reason"}),
		RowsAssembled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows_assembled",
			Help:      "Rows in the consolidated training table",
		}),
		TrainingRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_rows",
			Help:      "Rows used to fit the classifier",
		}),
		ValidationRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_rows",
			Help:      "Rows held out for validation",
		}),
		Abstentions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_abstentions",
			Help:      "Validation rows below both confidence thresholds",
		}),
		FitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fit_duration_seconds",
			Help:      "Classifier fit time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		EvaluationScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_score",
			Help:      "Validation score of the last training run",
		}, []string{"metric"}),
		FilesScored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_scored_total",
			Help:      "Total number of prediction tables written",
		}),
		RowsScored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_scored_total",
			Help:      "Total number of rows scored",
		}),
		UpProbability: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "up_probability",
			Help:      "Distribution of predicted up probabilities",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		DriftAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_alerts_total",
			Help:      "Total number of feature drift alerts raised while scoring",
		}, []string{"feature"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of fatal errors by phase",
		}, []string{"phase"}),
		gatherer: registry,
	}
}

// WriteTextfile writes every metric in the Prometheus text format. An empty
// path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
