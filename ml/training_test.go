package ml

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// syntheticTable builds households whose tier follows daily amperage.
func syntheticTable(n int, seed int64) *Table {
	rnd := rand.New(rand.NewSource(seed))
	t := &Table{Columns: append(FeatureNames(), DefaultLabelColumn)}
	tiers := []struct {
		name     string
		amperage float64
	}{
		{"small", 4},
		{"medium", 12},
		{"large", 25},
	}
	for i := 0; i < n; i++ {
		tier := tiers[i%len(tiers)]
		amperage := tier.amperage + rnd.Float64()*2
		spend := amperage * (1.5 + rnd.Float64())
		t.Rows = append(t.Rows, []string{
			fmt.Sprintf("%.3f", amperage),
			fmt.Sprintf("%.3f", spend),
			fmt.Sprintf("%d", 1+rnd.Intn(6)),
			fmt.Sprintf("%d", 20+rnd.Intn(11)),
			fmt.Sprintf("%.3f", spend/amperage),
			tier.name,
		})
	}
	return t
}

func TestTrainModelSeparatesTiers(t *testing.T) {
	trained, err := TrainModel(syntheticTable(120, 7), TrainingConfig{MaxDepth: 4, TestRatio: 0.25, Seed: 42})
	require.NoError(t, err)

	assert.Equal(t, 120, trained.DataPoints)
	assert.Equal(t, []string{"small", "medium", "large"}, trained.Encoder.ClassNames())
	assert.Equal(t, 3, trained.Tree.NumClasses())
	assert.Equal(t, 30, trained.Evaluation.TestSize)
	assert.Greater(t, trained.Evaluation.Accuracy, 0.8)
	assert.Greater(t, trained.Evaluation.Precision, 0.5)
	assert.Greater(t, trained.Evaluation.Recall, 0.5)

	total := 0
	for _, row := range trained.Evaluation.Confusion {
		for _, n := range row {
			total += n
		}
	}
	assert.Equal(t, 30, total)

	importances := trained.Tree.FeatureImportances()
	require.Len(t, importances, FeatureCount)
	assert.InDelta(t, 1.0, floats.Sum(importances), 1e-9)
}

func TestTrainedModelSaveRoundTrip(t *testing.T) {
	trained, err := TrainModel(syntheticTable(60, 3), TrainingConfig{Seed: 1})
	require.NoError(t, err)

	dir := t.TempDir()
	now := time.Date(2024, 5, 17, 8, 30, 0, 0, time.UTC)
	modelFile, err := trained.Save(dir, now)
	require.NoError(t, err)
	assert.Equal(t, "best_model_20240517T083000.joblib", modelFile)

	d := NewDeployer(NewArtifactLoader(LoaderConfig{Dir: dir}, nil), nil)
	require.True(t, d.LoadArtifacts())
	assert.Equal(t, modelFile, d.Predictor().Artifacts().ModelFile)
	assert.True(t, d.Predictor().HealthCheck().Healthy())

	inMemory := NewPredictor(trained.Artifacts()).PredictSingle(exampleInput())
	loaded := d.Predictor().PredictSingle(exampleInput())
	require.True(t, loaded.OK(), loaded.Error)
	assert.Equal(t, inMemory.Prediction, loaded.Prediction)
}

func TestTrainModelWidensMissingClass(t *testing.T) {
	table := syntheticTable(30, 5)
	// a single large household may miss the training split
	table.Rows = table.Rows[:20]
	for i := range table.Rows {
		if table.Rows[i][5] == "large" {
			table.Rows[i][5] = "medium"
		}
	}
	table.Rows[0][5] = "large"

	trained, err := TrainModel(table, TrainingConfig{MaxDepth: 3, TestRatio: 0.5, Seed: 11})
	require.NoError(t, err)
	assert.Equal(t, len(trained.Encoder.ClassNames()), trained.Tree.NumClasses())

	res := NewPredictor(trained.Artifacts()).PredictSingle(exampleInput())
	require.True(t, res.OK(), res.Error)
	assert.Len(t, res.Probabilities, 3)
}

func TestBuildTrainingSetErrors(t *testing.T) {
	table := syntheticTable(3, 1)

	_, _, err := BuildTrainingSet(table, "tier")
	assert.Error(t, err)

	noRatio := &Table{Columns: append(FeatureNames()[:4], DefaultLabelColumn), Rows: [][]string{{"1", "1", "1", "1", "small"}}}
	_, _, err = BuildTrainingSet(noRatio, "")
	assert.ErrorIs(t, err, ErrMissingFeatureColumns)

	table.Rows[1][5] = " "
	_, _, err = BuildTrainingSet(table, "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "row 1"))

	_, _, err = BuildTrainingSet(&Table{Columns: table.Columns}, "")
	assert.Error(t, err)
}

func TestFitLabelEncoderOrder(t *testing.T) {
	enc, err := FitLabelEncoder([]string{"large", "small", "large"})
	require.NoError(t, err)
	assert.Equal(t, []string{"small", "large"}, enc.ClassNames())

	enc, err = FitLabelEncoder([]string{"petit", "grand", "moyen"})
	require.NoError(t, err)
	assert.Equal(t, []string{"grand", "moyen", "petit"}, enc.ClassNames())

	_, err = enc.Decode(3)
	assert.Error(t, err)
}

func TestFitStandardScalerConstantColumn(t *testing.T) {
	scaler, err := FitStandardScaler([][]float64{{1, 5}, {3, 5}}, nil)
	require.NoError(t, err)
	out, err := scaler.Transform([]float64{3, 5})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, out)
}
