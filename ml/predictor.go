package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Prediction is a successful single-record classification.
type Prediction struct {
	Class         string             `json:"prediction"`
	Probabilities map[string]float64 `json:"probabilities"`
	Confidence    float64            `json:"confidence"`
}

// Result carries either a Prediction or an error message, never both.
type Result struct {
	*Prediction
	Error string    `json:"error,omitempty"`
	Code  ErrorCode `json:"code,omitempty"`
}

func (r Result) OK() bool {
	return r.Prediction != nil
}

// BatchResult carries either the augmented table or an error message.
type BatchResult struct {
	Table   *Table    `json:"table,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Columns []string  `json:"missing_columns,omitempty"`
}

func (r BatchResult) OK() bool {
	return r.Table != nil
}

type PredictorOption func(*Predictor)

func WithMissingPolicy(policy MissingPolicy) PredictorOption {
	return func(p *Predictor) {
		p.missing = policy
	}
}

// Predictor is immutable once built; share it freely across goroutines.
// A Predictor built from nil artifacts reports itself unloaded and fails
// every prediction with ErrNotLoaded.
type Predictor struct {
	artifacts *Artifacts
	features  []string
	missing   MissingPolicy
}

func NewPredictor(artifacts *Artifacts, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		artifacts: artifacts,
		features:  FeatureNames(),
		missing:   MissingZeroFill,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Predictor) Artifacts() *Artifacts {
	return p.artifacts
}

func (p *Predictor) Features() []string {
	return append([]string(nil), p.features...)
}

func (p *Predictor) MissingPolicy() MissingPolicy {
	return p.missing
}

// ClassNames returns the encoder classes, or nil when nothing is loaded.
func (p *Predictor) ClassNames() []string {
	if p.artifacts == nil || p.artifacts.Encoder == nil {
		return nil
	}
	return p.artifacts.Encoder.ClassNames()
}

// Predict classifies one record.
func (p *Predictor) Predict(input map[string]float64) (*Prediction, error) {
	vector, err := BuildVector(input, p.features, p.missing)
	if err != nil {
		return nil, err
	}
	class, probs, err := p.classify(vector)
	if err != nil {
		return nil, err
	}
	names := p.artifacts.Encoder.ClassNames()
	byClass := make(map[string]float64, len(names))
	for i, name := range names {
		byClass[name] = probs[i]
	}
	return &Prediction{
		Class:         class,
		Probabilities: byClass,
		Confidence:    floats.Max(probs),
	}, nil
}

// PredictSingle is Predict with failures folded into the Result.
func (p *Predictor) PredictSingle(input map[string]float64) Result {
	prediction, err := p.Predict(input)
	if err != nil {
		return Result{Error: err.Error(), Code: CodeOf(err)}
	}
	return Result{Prediction: prediction}
}

// PredictTable augments t with the predicted class, the confidence and one
// probability column per class. Any failure aborts the whole table.
func (p *Predictor) PredictTable(t *Table) (*Table, error) {
	var missing []string
	indexes := make([]int, len(p.features))
	for i, name := range p.features {
		indexes[i] = t.ColumnIndex(name)
		if indexes[i] < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, missingColumnsError(missing)
	}
	if err := t.Validate(); err != nil {
		return nil, newError(CodePredictionFailed, err, "malformed table")
	}
	if !p.Loaded() {
		return nil, ErrNotLoaded
	}

	names := p.artifacts.Encoder.ClassNames()
	columns := append(append([]string(nil), t.Columns...), ColumnPrediction, ColumnConfidence)
	for _, name := range names {
		columns = append(columns, ProbabilityColumnPrefix+name)
	}

	rows := make([][]string, len(t.Rows))
	vector := make([]float64, len(p.features))
	for r, row := range t.Rows {
		for i, idx := range indexes {
			value, ok, err := parseCell(row[idx])
			if err != nil {
				return nil, newError(CodePredictionFailed, err, "row %d column %s", r, p.features[i])
			}
			if !ok && p.missing == MissingReject {
				return nil, newError(CodePredictionFailed, nil, "row %d: missing value for %s", r, p.features[i])
			}
			vector[i] = value
		}
		class, probs, err := p.classify(vector)
		if err != nil {
			return nil, newError(CodePredictionFailed, err, "row %d", r)
		}
		out := make([]string, 0, len(columns))
		out = append(out, row...)
		out = append(out, class, formatFloat(floats.Max(probs)))
		for _, prob := range probs {
			out = append(out, formatFloat(prob))
		}
		rows[r] = out
	}
	return &Table{Columns: columns, Rows: rows}, nil
}

// BatchPredict is PredictTable with failures folded into the BatchResult.
func (p *Predictor) BatchPredict(t *Table) BatchResult {
	out, err := p.PredictTable(t)
	if err != nil {
		res := BatchResult{Error: err.Error(), Code: CodeOf(err)}
		var e *Error
		if errors.As(err, &e) {
			res.Columns = e.Columns
		}
		return res
	}
	return BatchResult{Table: out}
}

func (p *Predictor) Loaded() bool {
	return p.artifacts != nil && p.artifacts.Model != nil && p.artifacts.Scaler != nil && p.artifacts.Encoder != nil
}

func (p *Predictor) classify(vector []float64) (string, []float64, error) {
	if !p.Loaded() {
		return "", nil, ErrNotLoaded
	}
	scaled, err := p.artifacts.Scaler.Transform(vector)
	if err != nil {
		return "", nil, newError(CodePredictionFailed, err, "scale features")
	}
	label, err := p.artifacts.Model.PredictLabel(scaled)
	if err != nil {
		return "", nil, newError(CodePredictionFailed, err, "predict label")
	}
	probs, err := p.artifacts.Model.PredictProbabilities(scaled)
	if err != nil {
		return "", nil, newError(CodePredictionFailed, err, "predict probabilities")
	}
	names := p.artifacts.Encoder.ClassNames()
	if len(probs) != len(names) {
		return "", nil, newError(CodePredictionFailed, nil,
			"classifier returned %d probabilities for %d classes", len(probs), len(names))
	}
	for _, prob := range probs {
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return "", nil, newError(CodePredictionFailed, nil, "invalid probability %v", prob)
		}
	}
	class, err := p.artifacts.Encoder.Decode(label)
	if err != nil {
		return "", nil, newError(CodePredictionFailed, err, "decode label")
	}
	return class, probs, nil
}

// HealthReport is the diagnostic produced by HealthCheck.
type HealthReport struct {
	ModelLoaded     bool   `json:"model_loaded"`
	ScalerLoaded    bool   `json:"scaler_loaded"`
	EncoderLoaded   bool   `json:"encoder_loaded"`
	FeaturesMatch   bool   `json:"features_match"`
	PredictionWorks bool   `json:"prediction_works"`
	ModelFile       string `json:"model_file,omitempty"`
	Error           string `json:"error,omitempty"`
}

type Check struct {
	Name string
	OK   bool
}

// Checks lists the report in a stable order.
func (h HealthReport) Checks() []Check {
	return []Check{
		{"model_loaded", h.ModelLoaded},
		{"scaler_loaded", h.ScalerLoaded},
		{"encoder_loaded", h.EncoderLoaded},
		{"features_match", h.FeaturesMatch},
		{"prediction_works", h.PredictionWorks},
	}
}

func (h HealthReport) Healthy() bool {
	for _, c := range h.Checks() {
		if !c.OK {
			return false
		}
	}
	return true
}

// HealthCheck runs the synthetic all-ones prediction only when the artifact
// and feature checks pass.
func (p *Predictor) HealthCheck() HealthReport {
	var report HealthReport
	if p.artifacts != nil {
		report.ModelLoaded = p.artifacts.Model != nil
		report.ScalerLoaded = p.artifacts.Scaler != nil
		report.EncoderLoaded = p.artifacts.Encoder != nil
		report.ModelFile = p.artifacts.ModelFile
	}
	report.FeaturesMatch = len(p.features) == FeatureCount
	if report.ScalerLoaded && (p.artifacts.Scaler.NumFeatures() != FeatureCount ||
		!featureOrderMatches(p.artifacts.Scaler, p.features)) {
		report.FeaturesMatch = false
	}

	if !report.ModelLoaded || !report.ScalerLoaded || !report.EncoderLoaded || !report.FeaturesMatch {
		return report
	}

	synthetic := make(map[string]float64, len(p.features))
	for _, name := range p.features {
		synthetic[name] = 1.0
	}
	res := p.PredictSingle(synthetic)
	report.PredictionWorks = res.OK()
	if !res.OK() {
		report.Error = fmt.Sprintf("synthetic prediction failed: %s", res.Error)
	}
	return report
}
