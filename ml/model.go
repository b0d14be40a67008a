package ml

import "slices"

// Scaler normalizes a raw feature vector. Fitted at training time and
// read-only afterwards.
type Scaler interface {
	Transform(features []float64) ([]float64, error)
	NumFeatures() int
}

// Classifier maps a scaled vector to an encoded class label and per-class
// probabilities indexed by that label.
type Classifier interface {
	PredictLabel(features []float64) (int, error)
	PredictProbabilities(features []float64) ([]float64, error)
}

// Encoder maps encoded labels to human-readable class names.
type Encoder interface {
	Decode(label int) (string, error)
	ClassNames() []string
}

// FeatureImportancer is implemented by classifiers that carry training-time
// feature importances.
type FeatureImportancer interface {
	FeatureImportances() []float64
}

// ClassCounter is implemented by classifiers that know their output width.
type ClassCounter interface {
	NumClasses() int
}

// FeatureNamer is implemented by scalers that record the column order they
// were fitted on.
type FeatureNamer interface {
	FeatureNames() []string
}

// featureOrderMatches reports whether a scaler's recorded column order, if
// any, equals want.
func featureOrderMatches(s Scaler, want []string) bool {
	namer, ok := s.(FeatureNamer)
	if !ok {
		return true
	}
	names := namer.FeatureNames()
	return len(names) == 0 || slices.Equal(names, want)
}
