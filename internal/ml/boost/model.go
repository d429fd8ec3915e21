// Package boost wraps rmera/boo gradient boosted trees as a binary
// probability classifier.
package boost

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/rmera/boo"
	"github.com/rmera/boo/utils"
)

var (
	ErrNotFitted = errors.New("boost: model is not fitted")
	// ErrNoImportances is returned by FeatureImportances; boo exposes no
	// per-feature gain so callers fall back to permutation importance.
	ErrNoImportances = errors.New("boost: learner has no native feature importances")
)

type Params struct {
	Rounds       int     `json:"rounds" yaml:"rounds"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	MaxDepth     int     `json:"max_depth" yaml:"max_depth"`
}

func DefaultParams() Params {
	return Params{
		Rounds:       40,
		LearningRate: 0.08,
		MaxDepth:     4,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Rounds <= 0 {
		p.Rounds = d.Rounds
	}
	if p.LearningRate <= 0 {
		p.LearningRate = d.LearningRate
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = d.MaxDepth
	}
	return p
}

type Model struct {
	params    Params
	nFeatures int
	boost     *boo.MultiClass
}

type artifact struct {
	Params    Params `json:"params"`
	NFeatures int    `json:"n_features"`
	ModelText string `json:"model_text"`
}

func New(p Params) *Model {
	return &Model{params: p.withDefaults()}
}

// Fit trains the booster. Both classes must be present.
func (m *Model) Fit(ctx context.Context, x [][]float64, y []int) error {
	if len(x) == 0 || len(x) != len(y) {
		return errors.New("boost: invalid training dataset")
	}
	if len(x[0]) == 0 {
		return errors.New("boost: empty feature vectors")
	}
	seen := map[int]bool{}
	for i, label := range y {
		if label != 0 && label != 1 {
			return fmt.Errorf("boost: row %d has label %d", i, label)
		}
		seen[label] = true
	}
	if len(seen) < 2 {
		return errors.New("boost: training data needs both classes")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	keys := make([]string, len(x[0]))
	for i := range keys {
		keys[i] = "f" + strconv.Itoa(i)
	}

	o := boo.DefaultXOptions()
	o.Rounds = m.params.Rounds
	o.LearningRate = m.params.LearningRate
	o.MaxDepth = m.params.MaxDepth
	o.Verbose = false
	o.EarlyStop = 0

	data := &utils.DataBunch{
		Data:   x,
		Labels: y,
		Keys:   keys,
	}
	model := boo.NewMultiClass(data, o)
	if model == nil {
		return errors.New("boost: training failed")
	}
	m.boost = model
	m.nFeatures = len(x[0])
	return nil
}

// PredictProba returns [P(0), P(1)] per row.
func (m *Model) PredictProba(x [][]float64) ([][]float64, error) {
	if m.boost == nil {
		return nil, ErrNotFitted
	}
	labels := m.boost.ClassLabels()
	positive := -1
	for i, l := range labels {
		if l == 1 {
			positive = i
		}
	}

	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != m.nFeatures {
			return nil, fmt.Errorf("boost: row %d has %d features, want %d", i, len(row), m.nFeatures)
		}
		probs := m.boost.PredictSingle(row)
		p1 := 0.5
		switch {
		case positive >= 0 && positive < len(probs):
			p1 = clamp01(probs[positive])
		case len(probs) > 0:
			p1 = clamp01(probs[len(probs)-1])
		}
		out[i] = []float64{1 - p1, p1}
	}
	return out, nil
}

func (m *Model) FeatureImportances() ([]float64, error) {
	if m.boost == nil {
		return nil, ErrNotFitted
	}
	return nil, ErrNoImportances
}

func (m *Model) MarshalBinary() ([]byte, error) {
	if m.boost == nil {
		return nil, ErrNotFitted
	}
	var buf bytes.Buffer
	if err := boo.JSONMultiClass(m.boost, "softmax", &buf); err != nil {
		return nil, fmt.Errorf("boost: encode: %w", err)
	}
	return json.Marshal(artifact{
		Params:    m.params,
		NFeatures: m.nFeatures,
		ModelText: buf.String(),
	})
}

func (m *Model) UnmarshalBinary(blob []byte) error {
	if len(blob) == 0 {
		return errors.New("boost: empty artifact")
	}
	var a artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return fmt.Errorf("boost: decode: %w", err)
	}
	model, err := boo.UnJSONMultiClass(bufio.NewReader(bytes.NewReader([]byte(a.ModelText))))
	if err != nil {
		return fmt.Errorf("boost: decode model: %w", err)
	}
	m.params = a.Params.withDefaults()
	m.nFeatures = a.NFeatures
	m.boost = model
	return nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
