package ml

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// psiFloor keeps empty bins from producing infinite PSI terms.
const psiFloor = 1e-4

// FeatureDistribution summarises one feature of the training rows. Edges
// are the decile cut points; Shares is the fraction of training values in
// each of the len(Edges)+1 bins.
type FeatureDistribution struct {
	Mean        float64   `json:"mean"`
	StandardDev float64   `json:"standard_dev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Edges       []float64 `json:"edges"`
	Shares      []float64 `json:"shares"`
	SampleCount int       `json:"sample_count"`
}

// DriftAlert reports a feature whose scored distribution moved away from
// the training baseline.
type DriftAlert struct {
	FeatureName string  `json:"feature_name"`
	PSI         float64 `json:"psi"`
	Threshold   float64 `json:"threshold"`
	Severity    string  `json:"severity"`
}

// NewBaseline computes per-feature distributions over x. NaN values are
// ignored; features without any value are left out.
func NewBaseline(names []string, x [][]float64) map[string]FeatureDistribution {
	baseline := make(map[string]FeatureDistribution, len(names))
	for f, name := range names {
		values := column(x, f)
		if len(values) == 0 {
			continue
		}
		sort.Float64s(values)

		edges := make([]float64, 0, 9)
		for q := 1; q <= 9; q++ {
			edge := stat.Quantile(float64(q)/10, stat.Empirical, values, nil)
			if len(edges) > 0 && edge <= edges[len(edges)-1] {
				continue
			}
			edges = append(edges, edge)
		}

		baseline[name] = FeatureDistribution{
			Mean:        stat.Mean(values, nil),
			StandardDev: stat.StdDev(values, nil),
			Min:         values[0],
			Max:         values[len(values)-1],
			Edges:       edges,
			Shares:      binShares(edges, values),
			SampleCount: len(values),
		}
	}
	return baseline
}

// PSI is the Population Stability Index of values against the baseline
// bins. It is 0 for an empty sample.
func (d FeatureDistribution) PSI(values []float64) float64 {
	var present []float64
	for _, v := range values {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 || len(d.Shares) == 0 {
		return 0
	}
	actual := binShares(d.Edges, present)
	psi := 0.0
	for i, expected := range d.Shares {
		e := math.Max(expected, psiFloor)
		a := math.Max(actual[i], psiFloor)
		psi += (a - e) * math.Log(a/e)
	}
	return psi
}

// DetectDrift compares every feature of x with the baseline and returns the
// features whose PSI exceeds threshold. A threshold of 0 disables the check.
func DetectDrift(baseline map[string]FeatureDistribution, names []string, x [][]float64, threshold float64) []DriftAlert {
	if threshold <= 0 || len(baseline) == 0 || len(x) == 0 {
		return nil
	}
	var alerts []DriftAlert
	for f, name := range names {
		dist, ok := baseline[name]
		if !ok {
			continue
		}
		psi := dist.PSI(column(x, f))
		if psi <= threshold {
			continue
		}
		severity := "medium"
		if psi > 2*threshold {
			severity = "high"
		}
		alerts = append(alerts, DriftAlert{
			FeatureName: name,
			PSI:         psi,
			Threshold:   threshold,
			Severity:    severity,
		})
		log.Debug().Str("feature", name).Float64("psi", psi).Msg("Feature drift above threshold")
	}
	return alerts
}

func column(x [][]float64, f int) []float64 {
	out := make([]float64, 0, len(x))
	for _, row := range x {
		if f < len(row) && !math.IsNaN(row[f]) {
			out = append(out, row[f])
		}
	}
	return out
}

func binShares(edges, values []float64) []float64 {
	shares := make([]float64, len(edges)+1)
	if len(values) == 0 {
		return shares
	}
	for _, v := range values {
		shares[sort.SearchFloat64s(edges, v)]++
	}
	for i := range shares {
		shares[i] /= float64(len(values))
	}
	return shares
}
