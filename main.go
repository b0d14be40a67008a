package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sigor/config"
	"sigor/dashboard"
	"sigor/db"
	qhttp "sigor/http"
	"sigor/logging"
	"sigor/ml"
	"sigor/monitoring"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Options())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Exiting")
}

// resolveConfigPath lets the server start on defaults and environment alone
// when the default config file is absent. An explicit path must exist.
func resolveConfigPath(path string) string {
	if path != defaultConfigPath {
		return path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ""
	}
	return path
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	// 2. Live feed
	hub := monitoring.NewHub(logger,
		monitoring.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		monitoring.WithMetrics(metrics),
	)
	go hub.Start()
	defer func() {
		hub.Stop()
		<-hub.Done()
	}()

	alerts := monitoring.NewAlertSystem(logger.Named("alerts"))
	if channel := cfg.Alerts.Channel(); channel != nil {
		if err := alerts.AddChannel(channel); err != nil {
			return err
		}
	}

	// 3. Model artifacts
	loader := ml.NewArtifactLoader(cfg.ML.LoaderConfig(), logger)
	deployer := ml.NewDeployer(loader, logger, cfg.ML.PredictorOptions()...)
	deployer.OnSwap(func(p *ml.Predictor) {
		hub.PublishReload(monitoring.ReloadEvent{OK: true, ModelFile: p.Artifacts().ModelFile})
		alerts.ResolveKey(artifactAlertKey)
	})
	loaded := deployer.LoadArtifacts()
	metrics.ObserveReload(loaded, deployer.Predictor().Loaded())
	if !loaded {
		logger.Error("Serving without a model; the dashboard will report the load failure",
			zap.String("dir", loader.Config().Dir),
			zap.Error(deployer.LastError()))
		raiseArtifactAlert(ctx, alerts, deployer, logger)
	}

	var cache *ml.CachedPredictor
	if cfg.ML.CacheSize > 0 {
		cache, err = ml.NewCachedPredictor(deployer, cfg.ML.CacheSize)
		if err != nil {
			return err
		}
	}

	// 4. Prediction store
	var store *db.Store
	dashOpts := dashboard.Options{
		Language: cfg.Dashboard.Language,
		Seed:     cfg.Dashboard.Seed,
		Logger:   logger.Named("dashboard"),
	}
	serverOpts := qhttp.Options{
		Deployer: deployer,
		Cache:    cache,
		Hub:      hub,
		Alerts:   alerts,
		Metrics:  metrics,
		Logger:   logger,
	}
	if cfg.Database.Path != "" {
		store, err = db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, store.Close()) }()
		logger.Info("Database initialized", zap.String("path", cfg.Database.Path))
		dashOpts.History = store
		serverOpts.Store = store
	}
	serverOpts.Dashboard = dashboard.New(dashOpts)

	// 5. Hot reload
	if cfg.ML.Watch {
		watcher, werr := ml.NewArtifactWatcher(deployer, cfg.ML.ReloadDebounce, logger)
		if werr != nil {
			logger.Warn("Artifact watcher disabled", zap.Error(werr))
		} else {
			defer func() { err = multierr.Append(err, watcher.Close()) }()
			go func() {
				if werr := watcher.Run(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
					logger.Warn("Artifact watcher stopped", zap.Error(werr))
				}
			}()
			go observeReloads(ctx, watcher, deployer, hub, metrics, alerts, logger)
		}
	}

	// 6. HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	}, serverOpts)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	// 7. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

const artifactAlertKey = "artifacts"

// raiseArtifactAlert reports a failed load. While a previous set is still
// served the alert is an error, otherwise critical.
func raiseArtifactAlert(ctx context.Context, alerts *monitoring.AlertSystem, deployer *ml.Deployer, logger *zap.Logger) {
	alert := &monitoring.Alert{
		Key:    artifactAlertKey,
		Level:  monitoring.LevelCritical,
		Title:  "Model artifacts could not be loaded",
		Source: "deployer",
	}
	if deployer.Predictor().Loaded() {
		alert.Level = monitoring.LevelError
		alert.Title = "Artifact reload failed; previous model still served"
	}
	if lastErr := deployer.LastError(); lastErr != nil {
		alert.Message = lastErr.Error()
	}
	if err := alerts.SendAlert(ctx, alert); err != nil {
		logger.Warn("Alert delivery failed", zap.Error(err))
	}
}

// observeReloads records watcher-driven reloads. Successful swaps are already
// announced by the deployer hook, so only failures are published here.
func observeReloads(ctx context.Context, watcher *ml.ArtifactWatcher, deployer *ml.Deployer, hub *monitoring.Hub, metrics *monitoring.Metrics, alerts *monitoring.AlertSystem, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ok := <-watcher.Reloaded():
			metrics.ObserveReload(ok, deployer.Predictor().Loaded())
			if !ok {
				var event monitoring.ReloadEvent
				if a := deployer.Predictor().Artifacts(); a != nil {
					event.ModelFile = a.ModelFile
				}
				if lastErr := deployer.LastError(); lastErr != nil {
					event.Error = lastErr.Error()
				}
				hub.PublishReload(event)
				raiseArtifactAlert(ctx, alerts, deployer, logger)
			}
		}
	}
}
