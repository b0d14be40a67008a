package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

const TypeStandardScaler = "standard_scaler"

// StandardScaler applies (x - mean) / scale per column. A zero scale is
// treated as 1, matching scikit-learn for constant columns.
type StandardScaler struct {
	mean         []float64
	scale        []float64
	featureNames []string
}

type standardScalerDocument struct {
	Type         string    `json:"type"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
	FeatureNames []string  `json:"feature_names,omitempty"`
}

func NewStandardScaler(mean, scale []float64, featureNames []string) (*StandardScaler, error) {
	if len(mean) == 0 {
		return nil, errors.New("scaler mean is empty")
	}
	if len(mean) != len(scale) {
		return nil, fmt.Errorf("scaler mean has %d values, scale has %d", len(mean), len(scale))
	}
	if len(featureNames) > 0 && len(featureNames) != len(mean) {
		return nil, fmt.Errorf("scaler has %d feature names for %d columns", len(featureNames), len(mean))
	}
	return &StandardScaler{mean: mean, scale: scale, featureNames: featureNames}, nil
}

// FitStandardScaler computes column means and population standard deviations.
func FitStandardScaler(rows [][]float64, featureNames []string) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows to fit")
	}
	width := len(rows[0])
	mean := make([]float64, width)
	scale := make([]float64, width)
	column := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		for i, row := range rows {
			if len(row) != width {
				return nil, fmt.Errorf("row %d has width %d, want %d", i, len(row), width)
			}
			column[i] = row[j]
		}
		m, std := stat.PopMeanStdDev(column, nil)
		mean[j] = m
		scale[j] = std
	}
	return NewStandardScaler(mean, scale, featureNames)
}

func (s *StandardScaler) Transform(features []float64) ([]float64, error) {
	if len(features) != len(s.mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.mean), len(features))
	}
	out := make([]float64, len(features))
	for i, v := range features {
		scale := s.scale[i]
		if scale == 0 || math.IsNaN(scale) {
			scale = 1
		}
		out[i] = (v - s.mean[i]) / scale
	}
	return out, nil
}

func (s *StandardScaler) NumFeatures() int {
	return len(s.mean)
}

func (s *StandardScaler) FeatureNames() []string {
	return append([]string(nil), s.featureNames...)
}

func (s *StandardScaler) MarshalJSON() ([]byte, error) {
	return json.Marshal(standardScalerDocument{
		Type:         TypeStandardScaler,
		Mean:         s.mean,
		Scale:        s.scale,
		FeatureNames: s.featureNames,
	})
}

func (s *StandardScaler) UnmarshalJSON(payload []byte) error {
	var doc standardScalerDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	scaler, err := NewStandardScaler(doc.Mean, doc.Scale, doc.FeatureNames)
	if err != nil {
		return err
	}
	*s = *scaler
	return nil
}
