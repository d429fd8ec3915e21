package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ModelData", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	store, err := New(path)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file should be created")
}

func TestStore_Close(t *testing.T) {
	store := newStore(t)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close(), "closing twice is safe")

	assert.Error(t, store.RecordTraining(&TrainingRun{}))
	_, err := store.ListTrainingRuns(0)
	assert.Error(t, err)
}

func TestRecordTraining_AssignsIDAndOrders(t *testing.T) {
	store := newStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	oob := 0.71
	runs := []*TrainingRun{
		{StartedAt: base, Accuracy: 0.5},
		{StartedAt: base.Add(2 * time.Hour), Accuracy: 0.7, OOBScore: &oob},
		{StartedAt: base.Add(time.Hour), Accuracy: 0.6},
	}
	for _, r := range runs {
		require.NoError(t, store.RecordTraining(r))
		assert.NotEmpty(t, r.ID)
	}

	all, err := store.ListTrainingRuns(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []float64{0.7, 0.6, 0.5}, []float64{all[0].Accuracy, all[1].Accuracy, all[2].Accuracy})
	require.NotNil(t, all[0].OOBScore)
	assert.Equal(t, 0.71, *all[0].OOBScore)

	two, err := store.ListTrainingRuns(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	latest, err := store.LatestTrainingRun()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, runs[1].ID, latest.ID)
}

func TestRecordTraining_KeepsGivenID(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.RecordTraining(&TrainingRun{ID: "fixed", StartedAt: time.Now()}))
	latest, err := store.LatestTrainingRun()
	require.NoError(t, err)
	assert.Equal(t, "fixed", latest.ID)
}

func TestLatestTrainingRun_Empty(t *testing.T) {
	store := newStore(t)
	latest, err := store.LatestTrainingRun()
	assert.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRecordScoring(t *testing.T) {
	store := newStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.RecordScoring(&ScoringRun{StartedAt: now, FilesScored: 3, RowsScored: 180}))

	runs, err := store.ListScoringRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].FilesScored)
	assert.Equal(t, 180, runs[0].RowsScored)

	training, err := store.ListTrainingRuns(5)
	require.NoError(t, err)
	assert.Empty(t, training, "buckets are separate")
}

func TestLedgerPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordTraining(&TrainingRun{StartedAt: time.Now(), Learner: "random_forest"}))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	runs, err := reopened.ListTrainingRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "random_forest", runs[0].Learner)
}
