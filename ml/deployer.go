package ml

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Deployer owns the current Predictor. Loading builds a complete new
// artifact set and swaps it in atomically; a failed load keeps whatever was
// serving before.
type Deployer struct {
	loader  *ArtifactLoader
	opts    []PredictorOption
	logger  *zap.Logger
	current atomic.Pointer[Predictor]
	lastErr atomic.Pointer[Error]
	mu      sync.Mutex
	onSwap  []func(*Predictor)
}

func NewDeployer(loader *ArtifactLoader, logger *zap.Logger, opts ...PredictorOption) *Deployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deployer{
		loader: loader,
		opts:   opts,
		logger: logger.Named("deployer"),
	}
	d.current.Store(NewPredictor(nil, opts...))
	return d
}

// LoadArtifacts reports whether a complete artifact set was loaded.
func (d *Deployer) LoadArtifacts() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	artifacts, err := d.loader.Load()
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = newError(CodeArtifactLoadFailed, err, "load artifacts")
		}
		d.lastErr.Store(e)
		d.logger.Error("artifact load failed", zap.String("code", string(e.Code)), zap.Error(err))
		return false
	}
	d.lastErr.Store(nil)

	predictor := NewPredictor(artifacts, d.opts...)
	d.current.Store(predictor)
	for _, fn := range d.onSwap {
		fn(predictor)
	}
	return true
}

// Predictor returns the predictor currently serving; never nil.
func (d *Deployer) Predictor() *Predictor {
	return d.current.Load()
}

// LastError returns the error of the most recent failed load, or nil if the
// most recent load succeeded.
func (d *Deployer) LastError() *Error {
	return d.lastErr.Load()
}

// OnSwap registers fn to run after each successful load.
func (d *Deployer) OnSwap(fn func(*Predictor)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSwap = append(d.onSwap, fn)
}

func (d *Deployer) Loader() *ArtifactLoader {
	return d.loader
}
