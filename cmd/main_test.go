package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sigor/ml"
)

func writeArtifacts(t *testing.T, dir string) {
	t.Helper()
	model, err := ml.NewLogisticRegression(
		[][]float64{{-4, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {4, 0, 0, 0, 0}},
		[]float64{0, 1, 0},
	)
	require.NoError(t, err)
	scaler, err := ml.NewStandardScaler([]float64{15, 25, 4, 30, 2.5}, []float64{5, 10, 1, 1, 1}, ml.FeatureNames())
	require.NoError(t, err)
	encoder, err := ml.NewLabelEncoder(ml.DefaultClasses)
	require.NoError(t, err)

	require.NoError(t, ml.SaveArtifact(filepath.Join(dir, "best_model_20240101.joblib"), model))
	require.NoError(t, ml.SaveArtifact(filepath.Join(dir, ml.DefaultScalerFile), scaler))
	require.NoError(t, ml.SaveArtifact(filepath.Join(dir, ml.DefaultEncoderFile), encoder))
}

func newDeployer(t *testing.T, dir string) *ml.Deployer {
	return ml.NewDeployer(ml.NewArtifactLoader(ml.LoaderConfig{Dir: dir}, nil), zaptest.NewLogger(t))
}

func TestCheckHealthyDeployment(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)

	var out bytes.Buffer
	code := check(newDeployer(t, dir), "", &out, nil, zaptest.NewLogger(t))
	assert.Equal(t, 0, code)
	report := out.String()
	assert.Contains(t, report, "model file: best_model_20240101.joblib")
	assert.Contains(t, report, "prediction_works   ok")
	assert.Contains(t, report, "sample prediction: medium")
}

func TestCheckMissingArtifacts(t *testing.T) {
	var out bytes.Buffer
	code := check(newDeployer(t, t.TempDir()), "", &out, nil, zaptest.NewLogger(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "artifact load failed")
}

func TestCheckBatch(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	batch := filepath.Join(dir, "households.csv")
	require.NoError(t, os.WriteFile(batch, []byte(
		"avg_amperage_per_day,avg_depense_per_day,nombre_personnes,jours_observed,ratio_depense_amperage\n"+
			"3,10,2,30,3.3\n"+
			"35,60,5,30,1.7\n"), 0o600))

	var out, report bytes.Buffer
	code := check(newDeployer(t, dir), batch, &out, &report, zaptest.NewLogger(t))
	require.Equal(t, 0, code, report.String())
	assert.Contains(t, report.String(), "sample prediction")

	scored, err := ml.ReadCSV(strings.NewReader(out.String()))
	require.NoError(t, err)
	classes, err := scored.Column(ml.ColumnPrediction)
	require.NoError(t, err)
	assert.Equal(t, []string{"small", "large"}, classes)

	missing := filepath.Join(dir, "partial.csv")
	require.NoError(t, os.WriteFile(missing, []byte("avg_amperage_per_day\n3\n"), 0o600))
	report.Reset()
	code = check(newDeployer(t, dir), missing, &out, &report, zaptest.NewLogger(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, report.String(), "missing columns")
}

func TestCheckBatchRefusesUnhealthyDeployment(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir)
	// The all-ones health input takes a branch to a node that does not
	// exist; real households take the valid one.
	tree := `{"type":"decision_tree","n_classes":3,"n_features":5,"nodes":[
		{"feature_idx":0,"threshold":-2,"left_child":9,"right_child":1,"class_label":0,"is_leaf":false},
		{"feature_idx":-1,"threshold":0,"left_child":-1,"right_child":-1,"class_label":1,"is_leaf":true,"distribution":[0.1,0.8,0.1]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "best_model_20240101.joblib"), []byte(tree), 0o600))
	batch := filepath.Join(dir, "households.csv")
	require.NoError(t, os.WriteFile(batch, []byte(
		"avg_amperage_per_day,avg_depense_per_day,nombre_personnes,jours_observed,ratio_depense_amperage\n"+
			"20,40,3,30,2\n"), 0o600))

	var out, report bytes.Buffer
	code := check(newDeployer(t, dir), batch, &out, &report, zaptest.NewLogger(t))
	assert.Equal(t, 1, code)
	assert.Contains(t, report.String(), "prediction_works   FAIL")
	assert.Contains(t, report.String(), "sample prediction: medium")
	assert.Contains(t, report.String(), "batch skipped")
	assert.Empty(t, out.String())
}
