// Package storage keeps the run ledger: one record per training or scoring
// run, stored in BoltDB so the history survives across invocations.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	trainingBucket = "training_runs" // Bucket name for training run records
	scoringBucket  = "scoring_runs"  // Bucket name for scoring run records
)

// TrainingRun summarises one assemble-and-train invocation.
type TrainingRun struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Learner        string    `json:"learner"`
	ReusedData     bool      `json:"reused_data"`
	FilesSelected  int       `json:"files_selected"`
	FilesAccepted  int       `json:"files_accepted"`
	RowsAssembled  int       `json:"rows_assembled"`
	TrainingRows   int       `json:"training_rows"`
	ValidationRows int       `json:"validation_rows"`
	Retained       int       `json:"retained"`
	Abstained      int       `json:"abstained"`
	Accuracy       float64   `json:"accuracy"`
	F1             float64   `json:"f1"`
	Precision      float64   `json:"precision"`
	Recall         float64   `json:"recall"`
	OOBScore       *float64  `json:"oob_score,omitempty"`
	ModelPath      string    `json:"model_path"`
}

// ScoringRun summarises one predict invocation.
type ScoringRun struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	ModelPath    string    `json:"model_path"`
	FilesRemoved int       `json:"files_removed"`
	FilesScored  int       `json:"files_scored"`
	RowsScored   int       `json:"rows_scored"`
	DriftAlerts  int       `json:"drift_alerts"`
}

// Store is the BoltDB-backed run ledger.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens (or creates) the ledger at path. The parent directory is created
// when missing.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(trainingBucket)); err != nil {
			return fmt.Errorf("create training bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(scoringBucket)); err != nil {
			return fmt.Errorf("create scoring bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is safe.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// RecordTraining appends a training run, assigning an ID when empty.
func (s *Store) RecordTraining(run *TrainingRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return s.put(trainingBucket, run.StartedAt, run.ID, run)
}

// RecordScoring appends a scoring run, assigning an ID when empty.
func (s *Store) RecordScoring(run *ScoringRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return s.put(scoringBucket, run.StartedAt, run.ID, run)
}

// ListTrainingRuns returns up to limit runs, newest first. A limit of 0 or
// less returns every run.
func (s *Store) ListTrainingRuns(limit int) ([]TrainingRun, error) {
	return listRecent[TrainingRun](s.db, trainingBucket, limit)
}

// ListScoringRuns returns up to limit runs, newest first.
func (s *Store) ListScoringRuns(limit int) ([]ScoringRun, error) {
	return listRecent[ScoringRun](s.db, scoringBucket, limit)
}

// LatestTrainingRun returns the newest training run, or nil when the ledger
// is empty.
func (s *Store) LatestTrainingRun() (*TrainingRun, error) {
	runs, err := s.ListTrainingRuns(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// recordKey orders records by start time; the zero padding keeps byte order
// equal to numeric order.
func recordKey(started time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", started.UnixNano(), id))
}

func (s *Store) put(bucket string, started time.Time, id string, record any) error {
	if s.db == nil {
		return fmt.Errorf("ledger is closed")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}

		return b.Put(recordKey(started, id), data)
	})
}

func listRecent[T any](db *bbolt.DB, bucket string, limit int) ([]T, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger is closed")
	}
	var records []T
	err := db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record T
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshal %s record %s: %w", bucket, k, err)
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	return records, err
}
