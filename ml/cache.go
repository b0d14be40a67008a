package ml

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	predictor *Predictor
	vector    [FeatureCount]float64
}

// CachedPredictor memoizes successful single-record predictions of whatever
// predictor the deployer is currently serving. Entries are keyed by
// predictor, so a swap never serves results from retired artifacts.
type CachedPredictor struct {
	deployer *Deployer
	cache    *lru.Cache[cacheKey, Prediction]
}

func NewCachedPredictor(deployer *Deployer, size int) (*CachedPredictor, error) {
	cache, err := lru.New[cacheKey, Prediction](size)
	if err != nil {
		return nil, err
	}
	deployer.OnSwap(func(*Predictor) { cache.Purge() })
	return &CachedPredictor{deployer: deployer, cache: cache}, nil
}

// PredictSingle returns the result and whether it came from the cache.
func (c *CachedPredictor) PredictSingle(input map[string]float64) (Result, bool) {
	predictor := c.deployer.Predictor()
	vector, err := BuildVector(input, predictor.features, predictor.missing)
	if err != nil || len(vector) != FeatureCount {
		return predictor.PredictSingle(input), false
	}

	key := cacheKey{predictor: predictor}
	copy(key.vector[:], vector)
	if cached, ok := c.cache.Get(key); ok {
		return Result{Prediction: clonePrediction(cached)}, true
	}

	res := predictor.PredictSingle(input)
	if res.OK() {
		c.cache.Add(key, *clonePrediction(*res.Prediction))
	}
	return res, false
}

func (c *CachedPredictor) Len() int {
	return c.cache.Len()
}

func clonePrediction(p Prediction) *Prediction {
	probs := make(map[string]float64, len(p.Probabilities))
	for k, v := range p.Probabilities {
		probs[k] = v
	}
	p.Probabilities = probs
	return &p
}
