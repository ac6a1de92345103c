// Command povtrain trains the wealth regression model over Landsat
// tiles. Configuration comes from a JSON file with CLI flags layered
// on top; each fold writes its logs, metric history, predictions and
// checkpoints under its own directory.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/geodesiac/povmap/regress"
)

// defaultConfigJSON is written to disk on request so a starting
// configuration is available without consulting the source.
const defaultConfigJSON = `{
  "data": {
    "dataset_path": "dataset",
    "labels_name": "observation_2013+.csv",
    "tif_dir": "landsat_tiles",
    "train_batch_size": 32,
    "inference_batch_size": 16,
    "cache_tiles": 0,
    "normalizer_path": "",
    "min_year": 0,
    "jitter_brightness": 0.1,
    "jitter_contrast": 0.1,
    "random_flips": true
  },
  "model": {
    "name": "cnn",
    "filters": [32, 64, 128, 128],
    "kernel_size": 3,
    "hidden": 128
  },
  "optimizer": {"lr": 0.0001},
  "trainer": {"epochs": 10, "log_dir": "output", "seed": 42},
  "task": {
    "split": "fold",
    "val_split": 0.2,
    "metrics": ["r2", "mse", "mae"],
    "monitor": "r2"
  }
}
`

func main() {
	configPath := flag.String("config", "", "path to JSON configuration (defaults used when empty)")
	writeDefault := flag.String("write-default-config", "", "write the default configuration JSON to this path and exit")

	datasetPath := flag.String("dataset", "", "dataset directory (overrides config)")
	labelsName := flag.String("labels", "", "labels CSV name inside the dataset directory (overrides config)")
	logDir := flag.String("log-dir", "", "output directory for fold logs (overrides config)")
	checkpointPath := flag.String("checkpoint", "", "resume from this checkpoint directory (overrides config)")
	normalizerPath := flag.String("normalizer", "", "per-band mean/std JSON (overrides config)")
	epochs := flag.Int("epochs", 0, "training epochs (overrides config if >0)")
	batchSize := flag.Int("batch-size", 0, "training batch size (overrides config if >0)")
	learningRate := flag.Float64("learning-rate", 0, "Adam learning rate (overrides config if >0)")
	seed := flag.Int64("seed", 0, "random seed (overrides config if non-zero)")
	minYear := flag.Int("min-year", -1, "drop records before this survey year (overrides config if >=0)")
	cacheTiles := flag.Int("cache-tiles", -1, "decoded tiles kept in memory (overrides config if >=0)")
	fold := flag.Int("fold", 0, "train only this fold (1..5); 0 runs the configured policy")
	scatter := flag.Bool("scatter", true, "write an observed-vs-predicted scatter plot per fold")

	klog.InitFlags(nil)
	flag.Parse()

	if *writeDefault != "" {
		if err := os.WriteFile(*writeDefault, []byte(defaultConfigJSON), 0644); err != nil {
			log.Fatalf("failed to write default config: %v", err)
		}
		fmt.Printf("wrote default configuration to %s\n", *writeDefault)
		return
	}

	cfg := regress.Default()
	if *configPath != "" {
		var err error
		cfg, err = regress.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	// CLI overrides beat the JSON file.
	if *datasetPath != "" {
		cfg.Data.DatasetPath = *datasetPath
	}
	if *labelsName != "" {
		cfg.Data.LabelsName = *labelsName
	}
	if *logDir != "" {
		cfg.Trainer.LogDir = *logDir
	}
	if *checkpointPath != "" {
		cfg.Run.CheckpointPath = *checkpointPath
	}
	if *normalizerPath != "" {
		cfg.Data.NormalizerPath = *normalizerPath
	}
	if *epochs > 0 {
		cfg.Trainer.Epochs = *epochs
	}
	if *batchSize > 0 {
		cfg.Data.TrainBatchSize = *batchSize
	}
	if *learningRate > 0 {
		cfg.Optimizer.LearningRate = *learningRate
	}
	if *seed != 0 {
		cfg.Trainer.Seed = *seed
	}
	if *minYear >= 0 {
		cfg.Data.MinYear = *minYear
	}
	if *cacheTiles >= 0 {
		cfg.Data.CacheTiles = *cacheTiles
	}

	resolved, err := regress.Resolve(cfg)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	guard := regress.NewCrashGuard()
	defer guard.Stop()

	var results []*regress.FoldResult
	if *fold > 0 {
		res, err := regress.RunFold(resolved, *fold, guard)
		if err != nil {
			log.Fatalf("training failed: %v", err)
		}
		results = []*regress.FoldResult{res}
	} else {
		results, err = regress.RunAll(resolved, guard)
		if err != nil {
			log.Fatalf("training failed: %v", err)
		}
	}

	for _, res := range results {
		if *scatter {
			src := filepath.Join(res.LogDir, "predictions_test.csv")
			dst := filepath.Join(res.LogDir, "scatter_test.png")
			if err := plotScatter(src, dst); err != nil {
				klog.Warningf("scatter plot for %s skipped: %v", res.LogDir, err)
			}
		}
	}
	printSummary(resolved, results)
	klog.Flush()
}

// printSummary reports per-fold and mean test metrics.
func printSummary(cfg *regress.Resolved, results []*regress.FoldResult) {
	if len(cfg.Metrics) == 0 {
		fmt.Println("metrics disabled, no summary")
		return
	}
	sums := make(map[regress.MetricKind]float64)
	counts := make(map[regress.MetricKind]int)
	for _, res := range results {
		fmt.Printf("fold %d (%s):", res.Fold, res.LogDir)
		for _, kind := range cfg.Metrics {
			if v, ok := res.Metrics[kind]; ok {
				fmt.Printf(" %s=%.4f", kind, v)
				sums[kind] += v
				counts[kind]++
			}
		}
		fmt.Println()
	}
	if len(results) > 1 {
		fmt.Print("mean:")
		for _, kind := range cfg.Metrics {
			if counts[kind] > 0 {
				fmt.Printf(" %s=%.4f", kind, sums[kind]/float64(counts[kind]))
			}
		}
		fmt.Println()
	}
}

// plotScatter renders observed versus predicted wealth from a
// predictions CSV.
func plotScatter(csvPath, pngPath string) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return err
	}
	if len(rows) < 2 {
		return fmt.Errorf("no predictions in %s", csvPath)
	}
	header := rows[0]
	obsCol, predCol := -1, -1
	for i, name := range header {
		switch name {
		case "observed":
			obsCol = i
		case "predicted":
			predCol = i
		}
	}
	if obsCol < 0 || predCol < 0 {
		return fmt.Errorf("missing observed/predicted columns in %s", csvPath)
	}

	pts := make(plotter.XYs, 0, len(rows)-1)
	for _, row := range rows[1:] {
		obs, err := strconv.ParseFloat(row[obsCol], 64)
		if err != nil {
			return err
		}
		pred, err := strconv.ParseFloat(row[predCol], 64)
		if err != nil {
			return err
		}
		pts = append(pts, plotter.XY{X: obs, Y: pred})
	}

	p := plot.New()
	p.Title.Text = "observed vs predicted wealth"
	p.X.Label.Text = "observed"
	p.Y.Label.Text = "predicted"
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	p.Add(sc, plotter.NewGrid())
	return p.Save(5*vg.Inch, 5*vg.Inch, pngPath)
}
