package dashboard

import (
	"fmt"
	"math"
	"strings"

	"sigor/ml"
)

// Field describes one input of the household form.
type Field struct {
	Name    string  `json:"name"`
	Label   string  `json:"label"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
	Integer bool    `json:"integer"`
	Unit    string  `json:"unit,omitempty"`
}

var formFields = []Field{
	{Name: ml.AvgAmperagePerDay, Label: "Average daily amperage", Min: 0, Max: 50, Step: 0.1, Default: 10, Unit: "A"},
	{Name: ml.AvgDepensePerDay, Label: "Average daily spend", Min: 0, Max: 100, Step: 1, Default: 25, Unit: "$"},
	{Name: ml.NombrePersonnes, Label: "Number of persons", Min: 1, Max: 20, Step: 1, Default: 4, Integer: true},
	{Name: ml.JoursObserved, Label: "Days observed", Min: 1, Max: 365, Step: 1, Default: 30, Integer: true},
	{Name: ml.RatioDepenseAmperage, Label: "Spend / amperage ratio", Min: 0, Max: 10, Step: 0.1, Default: 2.5},
}

// Fields returns the form in feature order.
func Fields() []Field {
	return append([]Field(nil), formFields...)
}

// Defaults returns the initial form values.
func Defaults() map[string]float64 {
	values := make(map[string]float64, len(formFields))
	for _, f := range formFields {
		values[f.Name] = f.Default
	}
	return values
}

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every form field that was rejected.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// Validate checks a form submission against the field bounds. Every field is
// required; unknown keys are ignored.
func Validate(values map[string]float64) error {
	var errs []FieldError
	for _, f := range formFields {
		v, ok := values[f.Name]
		switch {
		case !ok:
			errs = append(errs, FieldError{f.Name, "required"})
		case math.IsNaN(v) || math.IsInf(v, 0):
			errs = append(errs, FieldError{f.Name, "not a number"})
		case v < f.Min || v > f.Max:
			errs = append(errs, FieldError{f.Name, fmt.Sprintf("must be between %g and %g", f.Min, f.Max)})
		case f.Integer && v != math.Trunc(v):
			errs = append(errs, FieldError{f.Name, "must be a whole number"})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// GaugeStep is one colored band of the confidence gauge.
type GaugeStep struct {
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Color string  `json:"color"`
}

type Gauge struct {
	Title string      `json:"title"`
	Value float64     `json:"value"`
	Min   float64     `json:"min"`
	Max   float64     `json:"max"`
	Bar   string      `json:"bar"`
	Steps []GaugeStep `json:"steps"`
	Band  string      `json:"band"`
}

// NewGauge renders confidence (0..1) on a 0..100 scale.
func NewGauge(title string, confidence float64) Gauge {
	g := Gauge{
		Title: title,
		Value: confidence * 100,
		Max:   100,
		Bar:   "darkblue",
		Steps: []GaugeStep{
			{0, 50, "lightgray"},
			{50, 80, "yellow"},
			{80, 100, "lightgreen"},
		},
	}
	for _, s := range g.Steps {
		if g.Value >= s.From && g.Value <= s.To {
			g.Band = s.Color
		}
	}
	return g
}
