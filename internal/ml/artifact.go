package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ArtifactVersion is bumped when the envelope layout changes.
const ArtifactVersion = 1

// Artifact is the persisted envelope around a learner's own encoding.
type Artifact struct {
	Version      int                            `json:"version"`
	Learner      Learner                        `json:"learner"`
	FeatureNames []string                       `json:"feature_names"`
	TargetColumn string                         `json:"target_column"`
	DateColumn   string                         `json:"date_column"`
	CreatedAt    time.Time                      `json:"created_at"`
	TrainingRows int                            `json:"training_rows"`
	Baseline     map[string]FeatureDistribution `json:"baseline,omitempty"`
	Model        json.RawMessage                `json:"model"`
}

// Model pairs a classifier with the metadata needed to score new tables.
type Model struct {
	Meta       Artifact
	Classifier Classifier
}

// PredictProba checks the row width against the stored feature list before
// delegating to the classifier.
func (m *Model) PredictProba(x [][]float64) ([][]float64, error) {
	for i, row := range x {
		if len(row) != len(m.Meta.FeatureNames) {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", i, len(row), len(m.Meta.FeatureNames))
		}
	}
	return m.Classifier.PredictProba(x)
}

// SameFeatures reports whether names matches the model's features exactly,
// order included.
func (m *Model) SameFeatures(names []string) bool {
	return slices.Equal(m.Meta.FeatureNames, names)
}

// SaveModel writes the model as gzip-compressed JSON. The file is written
// beside the destination and renamed into place.
func SaveModel(path string, m *Model) error {
	if m == nil || m.Classifier == nil {
		return errors.New("save model: nil classifier")
	}
	payload, err := m.Classifier.MarshalBinary()
	if err != nil {
		return fmt.Errorf("save model: encode classifier: %w", err)
	}

	meta := m.Meta
	meta.Version = ArtifactVersion
	meta.Model = payload
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(meta); err != nil {
		return fmt.Errorf("save model: encode artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("save model: compress: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save model: %w", err)
	}
	m.Meta = meta
	return nil
}

// LoadModel reads a model written by SaveModel. A missing file yields an
// error matching os.ErrNotExist.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}

	var meta Artifact
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("load model %s: decode artifact: %w", path, err)
	}
	if meta.Version != ArtifactVersion {
		return nil, fmt.Errorf("load model %s: unsupported artifact version %d", path, meta.Version)
	}
	if len(meta.FeatureNames) == 0 {
		return nil, fmt.Errorf("load model %s: artifact has no feature names", path)
	}

	clf, err := emptyClassifier(meta.Learner)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	if err := clf.UnmarshalBinary(meta.Model); err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return &Model{Meta: meta, Classifier: clf}, nil
}
