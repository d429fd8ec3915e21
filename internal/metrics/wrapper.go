package metrics

import "time"

// MetricsWrapper exposes the pipeline metrics through the narrow method sets
// the assembler, trainer and scorer declare.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) FilesSelectedAdd(n int) {
	w.m.FilesSelected.Add(float64(n))
}

func (w *MetricsWrapper) FileSkippedInc(reason string) {
	w.m.FilesSkipped.WithLabelValues(reason).Inc()
}

func (w *MetricsWrapper) RowsAssembledSet(n int) {
	w.m.RowsAssembled.Set(float64(n))
}

func (w *MetricsWrapper) TrainingRowsSet(n int) {
	w.m.TrainingRows.Set(float64(n))
}

func (w *MetricsWrapper) ValidationRowsSet(n int) {
	w.m.ValidationRows.Set(float64(n))
}

func (w *MetricsWrapper) AbstentionsSet(n int) {
	w.m.Abstentions.Set(float64(n))
}

func (w *MetricsWrapper) FitDurationObserve(d time.Duration) {
	w.m.FitDuration.Observe(d.Seconds())
}

func (w *MetricsWrapper) EvaluationScoreSet(metric string, v float64) {
	w.m.EvaluationScore.WithLabelValues(metric).Set(v)
}

func (w *MetricsWrapper) FilesScoredInc() {
	w.m.FilesScored.Inc()
}

func (w *MetricsWrapper) RowsScoredAdd(n int) {
	w.m.RowsScored.Add(float64(n))
}

func (w *MetricsWrapper) UpProbabilityObserve(p float64) {
	w.m.UpProbability.Observe(p)
}

func (w *MetricsWrapper) DriftAlertInc(feature string) {
	w.m.DriftAlerts.WithLabelValues(feature).Inc()
}

func (w *MetricsWrapper) ErrorInc(phase string) {
	w.m.ErrorsTotal.WithLabelValues(phase).Inc()
}
