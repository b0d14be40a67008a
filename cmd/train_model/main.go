package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"sigor/db"
	"sigor/logging"
	"sigor/ml"
	"sigor/pipeline"
)

type options struct {
	dataPath    string
	outDir      string
	dbPath      string
	labelColumn string
	maxDepth    int
	testRatio   float64
	seed        int64
	clean       bool
	outlierSig  float64
}

func main() {
	var opts options
	flag.StringVar(&opts.dataPath, "data", "", "labelled CSV with the five features and the label column")
	flag.StringVar(&opts.outDir, "out", ".", "artifact output directory")
	flag.StringVar(&opts.dbPath, "db", "sigor.db", "SQLite database that records the run; empty skips it")
	flag.StringVar(&opts.labelColumn, "label", ml.DefaultLabelColumn, "label column name")
	flag.IntVar(&opts.maxDepth, "max_depth", 10, "max tree depth")
	flag.Float64Var(&opts.testRatio, "test_ratio", 0.2, "test ratio")
	flag.Int64Var(&opts.seed, "seed", 42, "shuffle seed")
	flag.BoolVar(&opts.clean, "clean", true, "drop invalid and duplicate rows before training")
	flag.Float64Var(&opts.outlierSig, "outlier_sigma", 0, "replace values beyond this many standard deviations with the median; 0 disables")
	flag.Parse()

	if opts.dataPath == "" {
		log.Fatal("data is required")
	}

	logger, err := logging.New(logging.Options{Level: "info", Format: "console"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	run, err := train(opts, time.Now(), logger)
	if err != nil {
		logger.Fatal("Training failed", zap.Error(err))
	}
	fmt.Printf("model saved to %s (accuracy %.3f)\n", run.ModelName, run.Accuracy)
}

// train fits, saves and records one model and returns the recorded run.
func train(opts options, now time.Time, logger *zap.Logger) (*db.TrainingLog, error) {
	file, err := os.Open(opts.dataPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	table, err := ml.ReadCSV(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", opts.dataPath, err)
	}
	if opts.clean {
		cleaner := pipeline.NewDataCleaner(logger.Named("cleaning"))
		if opts.outlierSig > 0 {
			cleaner.SetOutlierCorrector(pipeline.NewOutlierCorrector(opts.outlierSig))
		}
		var issues []pipeline.QualityIssue
		table, issues, err = cleaner.Clean(table, opts.labelColumn)
		if err != nil {
			return nil, fmt.Errorf("clean %s: %w", opts.dataPath, err)
		}
		for _, issue := range issues {
			logger.Debug("Row dropped", zap.Int("row", issue.Row), zap.String("rule", issue.Rule), zap.String("reason", issue.Message))
		}
	}

	model, err := ml.TrainModel(table, ml.TrainingConfig{
		LabelColumn: opts.labelColumn,
		MaxDepth:    opts.maxDepth,
		TestRatio:   opts.testRatio,
		Seed:        opts.seed,
	})
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	eval := model.Evaluation
	logger.Info("Model trained",
		zap.Int("data_points", model.DataPoints),
		zap.Int("test_size", eval.TestSize),
		zap.Float64("accuracy", eval.Accuracy),
		zap.Float64("precision", eval.Precision),
		zap.Float64("recall", eval.Recall),
		zap.Strings("classes", eval.Classes),
	)

	modelFile, err := model.Save(opts.outDir, now)
	if err != nil {
		return nil, fmt.Errorf("save artifacts: %w", err)
	}
	logger.Info("Artifacts saved", zap.String("dir", opts.outDir), zap.String("model", modelFile))

	run := &db.TrainingLog{
		ModelName:  modelFile,
		Accuracy:   eval.Accuracy,
		Precision:  eval.Precision,
		Recall:     eval.Recall,
		Confusion:  eval.Confusion,
		Classes:    eval.Classes,
		TrainedAt:  now,
		DataPoints: model.DataPoints,
	}
	if opts.dbPath == "" {
		return run, nil
	}
	store, err := db.Open(opts.dbPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if err := store.SaveTrainingLog(*run); err != nil {
		return nil, fmt.Errorf("record training run: %w", err)
	}
	return run, nil
}
