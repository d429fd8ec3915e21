package scorer

import (
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendcast/internal/assembler"
	"trendcast/internal/common"
	"trendcast/internal/ml"
	"trendcast/internal/ml/forest"
	"trendcast/internal/table"
	"trendcast/internal/trainer"
)

// pipelineInput builds a 60-row instrument whose next-day change follows
// momentum.
func pipelineInput(seed int64) *table.Table {
	const n = 60
	rng := rand.New(rand.NewSource(seed))
	day0 := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, n)
	momentum := make([]float64, n)
	volume := make([]int64, n)
	change := make([]float64, n)
	for i := 0; i < n; i++ {
		dates[i] = day0.AddDate(0, 0, i)
		momentum[i] = rng.NormFloat64()
		volume[i] = int64(1000 + rng.Intn(500))
	}
	for i := 0; i < n; i++ {
		// Row i carries today's change; the assembler labels it with row i+1.
		if i > 0 {
			change[i] = momentum[i-1]*2 + rng.NormFloat64()*0.3
		}
	}
	return table.MustNew(
		table.TimeColumn("Date", dates),
		table.FloatColumn("momentum", momentum),
		table.IntColumn("Volume", volume),
		table.FloatColumn("percent_change_Close", change),
	)
}

func TestPipeline_AssembleTrainScore(t *testing.T) {
	ctx := context.Background()
	d := setup(t)
	inputs := map[string]*table.Table{
		"AAA.parquet": pipelineInput(1),
		"BBB.parquet": pipelineInput(2),
		"CCC.parquet": pipelineInput(3),
	}
	for name, tbl := range inputs {
		require.NoError(t, table.Write(filepath.Join(d.in, name), tbl))
	}

	res, err := assembler.Assemble(ctx, assembler.Options{
		InputDir:     d.in,
		OutputDir:    filepath.Join(t.TempDir(), "TrainingData"),
		Percentage:   100,
		TargetColumn: "percent_change_Close",
		DateColumn:   "Date",
		Seed:         5,
		Progress:     io.Discard,
	})
	require.NoError(t, err)
	require.Equal(t, 3*56, res.Table.NumRows())

	report, err := trainer.Train(ctx, res.Table, trainer.Config{
		TargetColumn: "percent_change_Close",
		DateColumn:   "Date",
		Learner: ml.LearnerConfig{
			Kind: ml.RandomForest,
			Forest: forest.Params{
				NEstimators: 10,
				MaxDepth:    4,
				Bootstrap:   true,
				RandomState: 4,
				NJobs:       2,
			},
		},
		ConfidenceThresholdPos: 0.5,
		ConfidenceThresholdNeg: 0.5,
		ModelDir:               d.model,
		FeatureImportancePath:  filepath.Join(t.TempDir(), "feature_importance.csv"),
		ImportanceSeed:         6,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"momentum", "Volume"}, report.Features)

	opts := options(d, report.ModelPath)
	sum, err := Score(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.FilesScored)
	assert.Equal(t, 3*60, sum.RowsScored)

	model, err := ml.LoadModel(report.ModelPath)
	require.NoError(t, err)

	for name, in := range inputs {
		out, err := table.Read(filepath.Join(d.out, name))
		require.NoError(t, err, name)
		require.Equal(t, in.NumRows(), out.NumRows(), name)
		assert.Equal(t,
			append(in.Names(), common.ColumnUpProbability, common.ColumnUpPrediction),
			out.Names(), name)

		for _, want := range in.Columns() {
			got, ok := out.Column(want.Name)
			require.True(t, ok, "%s: %s", name, want.Name)
			assert.Equal(t, want.Kind, got.Kind, "%s: %s", name, want.Name)
			for i := range want.Values {
				if want.Kind == table.Time {
					wt, _ := want.Time(i)
					gt, ok := got.Time(i)
					require.True(t, ok)
					assert.True(t, wt.Equal(gt), "%s: %s row %d", name, want.Name, i)
					continue
				}
				assert.Equal(t, want.Values[i], got.Values[i], "%s: %s row %d", name, want.Name, i)
			}
		}

		_, x, err := ml.FeatureMatrix(in, "Date", "percent_change_Close")
		require.NoError(t, err)
		probs, err := model.PredictProba(x)
		require.NoError(t, err)
		up, _ := out.Column(common.ColumnUpProbability)
		for i, p := range probs {
			v, ok := up.Float(i)
			require.True(t, ok)
			assert.InDelta(t, p[1], v, 1e-12, "%s row %d", name, i)
		}
	}
}
