package ml

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	AvgAmperagePerDay    = "avg_amperage_per_day"
	AvgDepensePerDay     = "avg_depense_per_day"
	NombrePersonnes      = "nombre_personnes"
	JoursObserved        = "jours_observed"
	RatioDepenseAmperage = "ratio_depense_amperage"

	// FeatureCount is the width every scaler and classifier must accept.
	FeatureCount = 5
)

// FeatureNames returns the model inputs in scaler order.
func FeatureNames() []string {
	return []string{
		AvgAmperagePerDay,
		AvgDepensePerDay,
		NombrePersonnes,
		JoursObserved,
		RatioDepenseAmperage,
	}
}

// MissingPolicy decides what happens when a feature value is absent.
type MissingPolicy string

const (
	// MissingZeroFill substitutes 0 for absent values.
	MissingZeroFill MissingPolicy = "zero"
	// MissingReject fails the prediction instead.
	MissingReject MissingPolicy = "reject"
)

// ParseMissingPolicy accepts "zero", "reject" or "" (zero).
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingZeroFill:
		return MissingZeroFill, nil
	case MissingReject:
		return MissingReject, nil
	default:
		return "", fmt.Errorf("unknown missing feature policy %q", s)
	}
}

// BuildVector orders input by names. Extra keys are ignored.
func BuildVector(input map[string]float64, names []string, policy MissingPolicy) ([]float64, error) {
	vector := make([]float64, len(names))
	var missing []string
	for i, name := range names {
		value, ok := input[name]
		if !ok || math.IsNaN(value) {
			missing = append(missing, name)
			continue
		}
		vector[i] = value
	}
	if len(missing) > 0 && policy == MissingReject {
		return nil, newError(CodePredictionFailed, nil, "missing feature values: %s", strings.Join(missing, ", "))
	}
	return vector, nil
}

// parseCell reads a numeric table cell. ok is false for empty or NaN cells.
func parseCell(raw string) (value float64, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	value, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(value) {
		return 0, false, nil
	}
	return value, true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
