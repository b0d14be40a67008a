// Command main checks a deployment: it loads the artifact set the server
// would load, prints the health report, runs a sample household through the
// model and optionally scores a CSV file to stdout.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"sigor/config"
	"sigor/logging"
	"sigor/ml"
)

var sampleHousehold = map[string]float64{
	ml.AvgAmperagePerDay:    15.5,
	ml.AvgDepensePerDay:     28.0,
	ml.NombrePersonnes:      4,
	ml.JoursObserved:        30,
	ml.RatioDepenseAmperage: 1.8,
}

func main() {
	os.Exit(run())
}

// run holds everything main defers, so the logger is flushed before exit.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	batchPath := flag.String("batch", "", "CSV file to score; the augmented table is written to stdout")
	flag.Parse()

	// Look for config in root even if run from cmd/
	path := *configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = filepath.Join("..", *configPath)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	deployer := ml.NewDeployer(ml.NewArtifactLoader(cfg.ML.LoaderConfig(), logger), logger, cfg.ML.PredictorOptions()...)
	return check(deployer, *batchPath, os.Stdout, os.Stderr, logger)
}

// check returns the process exit status, 1 for any failed health check.
// Reports go to out; the scored CSV goes to out only when batchPath is set,
// with reports moved to report.
func check(deployer *ml.Deployer, batchPath string, out, report io.Writer, logger *zap.Logger) int {
	if batchPath == "" {
		report = out
	}
	if !deployer.LoadArtifacts() {
		fmt.Fprintf(report, "artifact load failed: %v\n", deployer.LastError())
		return 1
	}
	predictor := deployer.Predictor()
	fmt.Fprintf(report, "model file: %s\n", predictor.Artifacts().ModelFile)

	health := predictor.HealthCheck()
	for _, c := range health.Checks() {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(report, "%-18s %s\n", c.Name, mark)
	}
	if health.Error != "" {
		fmt.Fprintf(report, "health error: %s\n", health.Error)
	}

	res := predictor.PredictSingle(sampleHousehold)
	if !res.OK() {
		fmt.Fprintf(report, "sample prediction failed: %s\n", res.Error)
		return 1
	}
	fmt.Fprintf(report, "sample prediction: %s (confidence %.4f)\n", res.Class, res.Confidence)
	classes := make([]string, 0, len(res.Probabilities))
	for class := range res.Probabilities {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(report, "  %-8s %.4f\n", class, res.Probabilities[class])
	}

	if !health.Healthy() {
		if batchPath != "" {
			fmt.Fprintf(report, "batch skipped: deployment unhealthy\n")
		}
		return 1
	}
	if batchPath == "" {
		return 0
	}
	if err := scoreFile(predictor, batchPath, out); err != nil {
		logger.Error("Batch scoring failed", zap.String("file", batchPath), zap.Error(err))
		fmt.Fprintf(report, "batch failed: %v\n", err)
		return 1
	}
	return 0
}

func scoreFile(predictor *ml.Predictor, path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	table, err := ml.ReadCSV(file)
	if err != nil {
		return err
	}
	res := predictor.BatchPredict(table)
	if !res.OK() {
		return errors.New(res.Error)
	}
	return ml.WriteCSV(out, res.Table)
}
