package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedPredictorHitsAndPurges(t *testing.T) {
	dir := t.TempDir()
	writeTestArtifacts(t, dir, "best_model_v1.joblib")
	d := NewDeployer(NewArtifactLoader(LoaderConfig{Dir: dir}, nil), nil)
	require.True(t, d.LoadArtifacts())

	cache, err := NewCachedPredictor(d, 16)
	require.NoError(t, err)

	res, hit := cache.PredictSingle(exampleInput())
	require.True(t, res.OK())
	assert.False(t, hit)
	assert.Equal(t, 1, cache.Len())

	again, hit := cache.PredictSingle(exampleInput())
	assert.True(t, hit)
	assert.Equal(t, res.Prediction, again.Prediction)

	// callers may mutate what they get back
	again.Probabilities["large"] = 0
	third, _ := cache.PredictSingle(exampleInput())
	assert.InDelta(t, 0.9, third.Probabilities["large"], 1e-9)

	require.True(t, d.LoadArtifacts())
	assert.Equal(t, 0, cache.Len())
	_, hit = cache.PredictSingle(exampleInput())
	assert.False(t, hit)
}

func TestCachedPredictorSkipsFailures(t *testing.T) {
	d := NewDeployer(NewArtifactLoader(LoaderConfig{Dir: t.TempDir()}, nil), nil)
	cache, err := NewCachedPredictor(d, 4)
	require.NoError(t, err)

	res, hit := cache.PredictSingle(exampleInput())
	assert.False(t, res.OK())
	assert.False(t, hit)
	assert.Equal(t, 0, cache.Len())
}

func TestCachedPredictorRejectsBadSize(t *testing.T) {
	d := NewDeployer(NewArtifactLoader(LoaderConfig{Dir: t.TempDir()}, nil), nil)
	_, err := NewCachedPredictor(d, 0)
	assert.Error(t, err)
}
