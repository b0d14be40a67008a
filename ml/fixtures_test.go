package ml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testArtifacts is a hand-built model: amperage alone decides the tier.
// Scaled amperage = (x - 10) / 5, so x <= 7.5 is small, x <= 15 medium,
// anything above large.
func testArtifacts(t testing.TB) *Artifacts {
	t.Helper()
	scaler, err := NewStandardScaler(
		[]float64{10, 25, 4, 30, 2.5},
		[]float64{5, 10, 1, 1, 1},
		FeatureNames(),
	)
	require.NoError(t, err)
	encoder, err := NewLabelEncoder([]string{"small", "medium", "large"})
	require.NoError(t, err)
	return &Artifacts{Model: testTree(), Scaler: scaler, Encoder: encoder, ModelFile: "best_model_test.joblib"}
}

func testTree() *DecisionTree {
	return &DecisionTree{
		numClasses:  3,
		numFeatures: FeatureCount,
		importances: []float64{1, 0, 0, 0, 0},
		nodes: []TreeNode{
			{FeatureIdx: 0, Threshold: -0.5, LeftChild: 1, RightChild: 2},
			{FeatureIdx: -1, LeftChild: -1, RightChild: -1, IsLeaf: true, ClassLabel: 0, Distribution: []float64{0.8, 0.15, 0.05}},
			{FeatureIdx: 0, Threshold: 1.0, LeftChild: 3, RightChild: 4, ClassLabel: 1},
			{FeatureIdx: -1, LeftChild: -1, RightChild: -1, IsLeaf: true, ClassLabel: 1, Distribution: []float64{0.1, 0.7, 0.2}},
			{FeatureIdx: -1, LeftChild: -1, RightChild: -1, IsLeaf: true, ClassLabel: 2, Distribution: []float64{0.02, 0.08, 0.9}},
		},
	}
}

// writeTestArtifacts saves testArtifacts into dir with the given model name.
func writeTestArtifacts(t testing.TB, dir, modelName string) {
	t.Helper()
	a := testArtifacts(t)
	require.NoError(t, SaveArtifact(filepath.Join(dir, modelName), a.Model.(*DecisionTree)))
	require.NoError(t, SaveArtifact(filepath.Join(dir, DefaultScalerFile), a.Scaler.(*StandardScaler)))
	require.NoError(t, SaveArtifact(filepath.Join(dir, DefaultEncoderFile), a.Encoder.(*LabelEncoder)))
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func exampleInput() map[string]float64 {
	return map[string]float64{
		AvgAmperagePerDay:    15.5,
		AvgDepensePerDay:     28.0,
		NombrePersonnes:      4,
		JoursObserved:        30,
		RatioDepenseAmperage: 1.8,
	}
}
