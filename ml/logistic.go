package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const TypeLogisticRegression = "logistic_regression"

// LogisticRegression is a multinomial (softmax) linear classifier, the shape
// scikit-learn exports as coef_ and intercept_.
type LogisticRegression struct {
	coef      [][]float64
	intercept []float64
}

type logisticDocument struct {
	Type      string      `json:"type"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
}

func NewLogisticRegression(coef [][]float64, intercept []float64) (*LogisticRegression, error) {
	if len(coef) == 0 {
		return nil, errors.New("coef is empty")
	}
	if len(coef) != len(intercept) {
		return nil, fmt.Errorf("coef has %d rows, intercept has %d", len(coef), len(intercept))
	}
	width := len(coef[0])
	for i, row := range coef {
		if len(row) != width {
			return nil, fmt.Errorf("coef row %d has width %d, want %d", i, len(row), width)
		}
	}
	return &LogisticRegression{coef: coef, intercept: intercept}, nil
}

func (lr *LogisticRegression) PredictLabel(features []float64) (int, error) {
	probs, err := lr.PredictProbabilities(features)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(probs), nil
}

func (lr *LogisticRegression) PredictProbabilities(features []float64) ([]float64, error) {
	if len(lr.coef) == 0 {
		return nil, errors.New("model not loaded")
	}
	if len(features) != len(lr.coef[0]) {
		return nil, fmt.Errorf("feature vector has width %d, model expects %d", len(features), len(lr.coef[0]))
	}
	scores := make([]float64, len(lr.coef))
	for i, row := range lr.coef {
		scores[i] = floats.Dot(row, features) + lr.intercept[i]
	}
	return softmax(scores), nil
}

func (lr *LogisticRegression) NumClasses() int {
	return len(lr.coef)
}

// FeatureImportances uses the mean absolute coefficient per feature.
func (lr *LogisticRegression) FeatureImportances() []float64 {
	if len(lr.coef) == 0 {
		return nil
	}
	gains := make([]float64, len(lr.coef[0]))
	for _, row := range lr.coef {
		for j, w := range row {
			gains[j] += math.Abs(w)
		}
	}
	return normalizeImportances(gains)
}

func (lr *LogisticRegression) MarshalJSON() ([]byte, error) {
	return json.Marshal(logisticDocument{
		Type:      TypeLogisticRegression,
		Coef:      lr.coef,
		Intercept: lr.intercept,
	})
}

func (lr *LogisticRegression) UnmarshalJSON(payload []byte) error {
	var doc logisticDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	model, err := NewLogisticRegression(doc.Coef, doc.Intercept)
	if err != nil {
		return err
	}
	*lr = *model
	return nil
}

func softmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	peak := floats.Max(scores)
	for i, s := range scores {
		out[i] = math.Exp(s - peak)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
