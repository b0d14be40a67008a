package ml

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultReloadDebounce = 500 * time.Millisecond

// ArtifactWatcher reloads the deployer when artifact files in its directory
// change. Bursts of events inside the debounce window cause one reload.
type ArtifactWatcher struct {
	deployer *Deployer
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
	reloaded chan bool
}

func NewArtifactWatcher(deployer *Deployer, debounce time.Duration, logger *zap.Logger) (*ArtifactWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(deployer.Loader().Config().Dir); err != nil {
		w.Close()
		return nil, err
	}
	return &ArtifactWatcher{
		deployer: deployer,
		watcher:  w,
		debounce: debounce,
		logger:   logger.Named("watcher"),
		reloaded: make(chan bool, 1),
	}, nil
}

// Reloaded delivers the outcome of each reload; a slow reader only sees the
// latest.
func (w *ArtifactWatcher) Reloaded() <-chan bool {
	return w.reloaded
}

// Run blocks until ctx is cancelled or the watcher is closed.
func (w *ArtifactWatcher) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("artifact changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-fire:
			fire = nil
			ok := w.deployer.LoadArtifacts()
			w.logger.Info("artifacts reloaded", zap.Bool("ok", ok))
			select {
			case <-w.reloaded:
			default:
			}
			w.reloaded <- ok
		}
	}
}

func (w *ArtifactWatcher) Close() error {
	return w.watcher.Close()
}

func (w *ArtifactWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	cfg := w.deployer.Loader().Config()
	name := filepath.Base(event.Name)
	if name == cfg.ScalerFile || name == cfg.EncoderFile {
		return true
	}
	return strings.HasPrefix(name, cfg.ModelPrefix) && strings.HasSuffix(name, cfg.Extension)
}
