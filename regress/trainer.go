package regress

import (
	"encoding/csv"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"k8s.io/klog/v2"

	"github.com/geodesiac/povmap/datasets"
	"github.com/geodesiac/povmap/records"
	"github.com/geodesiac/povmap/tiles"
)

// CrashCheckpointName is the checkpoint written when a termination
// signal interrupts training.
const CrashCheckpointName = "crash_latest_checkpoint.ckpt"

// FoldResult summarizes the held-out evaluation of one fold run.
type FoldResult struct {
	Fold    int
	LogDir  string
	Metrics map[MetricKind]float64
}

// RunAll executes the configured experiment: every fold for the
// k-fold policy, a single run for the random-holdout policy.
func RunAll(cfg *Resolved, guard *CrashGuard) ([]*FoldResult, error) {
	if cfg.Task.Split == SplitFold {
		results := make([]*FoldResult, 0, datasets.NumFolds)
		for fold := 1; fold <= datasets.NumFolds; fold++ {
			klog.Infof("training fold %d/%d", fold, datasets.NumFolds)
			res, err := RunFold(cfg, fold, guard)
			if err != nil {
				return results, fmt.Errorf("fold %d: %w", fold, err)
			}
			results = append(results, res)
		}
		return results, nil
	}

	res, err := RunFold(cfg, 0, guard)
	if err != nil {
		return nil, err
	}
	return []*FoldResult{res}, nil
}

// RunFold trains, validates and tests one fold. fold 0 means the
// random-holdout policy; 1..NumFolds the fold-column policy.
func RunFold(cfg *Resolved, fold int, guard *CrashGuard) (*FoldResult, error) {
	logDir := filepath.Join(cfg.Trainer.LogDir, foldDirName(fold))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	table, err := records.Load(cfg.Data.LabelsPath())
	if err != nil {
		return nil, err
	}
	split, err := buildSplit(cfg, table, fold)
	if err != nil {
		return nil, err
	}
	klog.Infof("split sizes: train=%d val=%d test=%d", len(split.Train), len(split.Val), len(split.Test))

	var storeOpts []tiles.Option
	if cfg.Data.CacheTiles > 0 {
		storeOpts = append(storeOpts, tiles.WithCache(cfg.Data.CacheTiles))
	}
	store := tiles.NewStore(cfg.Data.TileRoot(), storeOpts...)

	trainOpts := []datasets.Option{datasets.WithBatchSize(cfg.Data.TrainBatchSize)}
	evalOpts := []datasets.Option{datasets.WithBatchSize(cfg.Data.InferenceBatchSize)}
	if cfg.Data.NormalizerPath != "" {
		norm, err := datasets.LoadNormalizer(cfg.Data.NormalizerPath)
		if err != nil {
			return nil, err
		}
		trainOpts = append(trainOpts, datasets.WithNormalizer(norm))
		evalOpts = append(evalOpts, datasets.WithNormalizer(norm))
	}
	if aug := buildAugment(cfg.Data); aug != nil {
		trainOpts = append(trainOpts, datasets.WithAugment(aug, cfg.Trainer.Seed))
	}

	trainDS := datasets.New("train", table, store, split.Train, trainOpts...)
	valDS := datasets.New("val", table, store, split.Val, evalOpts...)
	testDS := datasets.New("test", table, store, split.Test, evalOpts...)

	backend, err := simplego.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create gomlx backend: %w", err)
	}
	ctx := context.New()
	modelFn := BuildModelGraph(cfg.Model)

	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.MeanSquaredError,
		optimizers.Adam().LearningRate(cfg.Optimizer.LearningRate).Done(),
		nil, nil)
	loop := train.NewLoop(trainer)

	checkpointDir := cfg.Run.CheckpointPath
	if checkpointDir == "" {
		checkpointDir = filepath.Join(logDir, "checkpoints")
	}
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Keep(3).Done()
	if err != nil {
		return nil, fmt.Errorf("failed to set up checkpointing: %w", err)
	}
	crashCheckpoint, err := checkpoints.Build(ctx).Dir(filepath.Join(logDir, CrashCheckpointName)).Keep(1).Done()
	if err != nil {
		return nil, fmt.Errorf("failed to set up crash checkpointing: %w", err)
	}

	logger, err := newMetricsLogger(filepath.Join(logDir, "metrics.csv"), cfg.Metrics)
	if err != nil {
		return nil, err
	}
	defer logger.Close()

	rng := rand.New(rand.NewSource(cfg.Trainer.Seed + int64(fold)))
	best := worstValue(cfg.Monitor)

	for epoch := 1; epoch <= cfg.Trainer.Epochs; epoch++ {
		if guard != nil && guard.Requested() {
			guard.Shutdown(crashCheckpoint)
		}

		trainDS.Reset()
		trainDS.Shuffle(rng.Int63())
		if _, err := loop.RunEpochs(trainDS, 1); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		scores, err := evaluate(cfg, backend, ctx, valDS)
		if err != nil {
			return nil, fmt.Errorf("validation after epoch %d: %w", epoch, err)
		}
		if err := logger.Log(epoch, scores); err != nil {
			return nil, err
		}
		klog.Infof("epoch %d/%d: %v", epoch, cfg.Trainer.Epochs, formatScores(cfg.Metrics, scores))

		if len(scores) > 0 {
			if v, ok := scores[cfg.Monitor]; ok && improved(cfg.Monitor, v, best) {
				best = v
				if err := checkpoint.Save(); err != nil {
					return nil, fmt.Errorf("checkpoint save failed: %w", err)
				}
				klog.Infof("new best %s_val=%.4f, checkpoint saved", cfg.Monitor, v)
			}
		}
	}

	// Keep a final checkpoint regardless of the monitor.
	if err := checkpoint.Save(); err != nil {
		return nil, fmt.Errorf("final checkpoint save failed: %w", err)
	}

	result := &FoldResult{Fold: fold, LogDir: logDir, Metrics: map[MetricKind]float64{}}
	if testDS.Len() > 0 {
		preds, labels, err := predict(cfg, backend, ctx, testDS)
		if err != nil {
			return nil, fmt.Errorf("test evaluation: %w", err)
		}
		for _, kind := range cfg.Metrics {
			v, err := Compute(kind, preds, labels)
			if err != nil {
				return nil, err
			}
			result.Metrics[kind] = v
		}
		if err := writePredictions(testDS, preds, filepath.Join(logDir, "predictions_test.csv")); err != nil {
			return nil, err
		}
		klog.Infof("test: %v", formatScores(cfg.Metrics, result.Metrics))
	}
	return result, nil
}

func foldDirName(fold int) string {
	if fold == 0 {
		return "holdout"
	}
	return fmt.Sprintf("fold_%d", fold)
}

func buildSplit(cfg *Resolved, table *records.Table, fold int) (datasets.Split, error) {
	var split datasets.Split
	var err error
	switch cfg.Task.Split {
	case SplitRandom:
		rng := rand.New(rand.NewSource(cfg.Trainer.Seed))
		split, err = datasets.RandomSplit(table.Len(), cfg.Task.ValSplit, rng)
	case SplitFold:
		split, err = datasets.FoldSplit(table, fold)
	default:
		err = fmt.Errorf("unknown split policy %q", cfg.Task.Split)
	}
	if err != nil {
		return split, err
	}
	if cfg.Data.MinYear > 0 {
		keep := make(map[int]bool)
		for _, row := range table.FilterYearFrom(cfg.Data.MinYear) {
			keep[row] = true
		}
		split.Train = filterRows(split.Train, keep)
		split.Val = filterRows(split.Val, keep)
		split.Test = filterRows(split.Test, keep)
	}
	return split, nil
}

func filterRows(rows []int, keep map[int]bool) []int {
	out := rows[:0:0]
	for _, r := range rows {
		if keep[r] {
			out = append(out, r)
		}
	}
	return out
}

func buildAugment(d DataConfig) *datasets.Augment {
	if d.JitterBrightness == 0 && d.JitterContrast == 0 && !d.RandomFlips {
		return nil
	}
	return &datasets.Augment{
		Brightness: d.JitterBrightness,
		Contrast:   d.JitterContrast,
		HFlip:      d.RandomFlips,
		VFlip:      d.RandomFlips,
	}
}

// evaluate computes the configured metrics over a dataset; it returns
// an empty map when metrics are disabled or the dataset is empty.
func evaluate(cfg *Resolved, backend backends.Backend, ctx *context.Context, ds *datasets.TileDataset) (map[MetricKind]float64, error) {
	if len(cfg.Metrics) == 0 || ds.Len() == 0 {
		return map[MetricKind]float64{}, nil
	}
	preds, labels, err := predict(cfg, backend, ctx, ds)
	if err != nil {
		return nil, err
	}
	scores := make(map[MetricKind]float64, len(cfg.Metrics))
	for _, kind := range cfg.Metrics {
		v, err := Compute(kind, preds, labels)
		if err != nil {
			return nil, err
		}
		scores[kind] = v
	}
	return scores, nil
}

// predict runs the model over ds in inference batches, reusing the
// trained variables in ctx.
func predict(cfg *Resolved, backend backends.Backend, ctx *context.Context, ds *datasets.TileDataset) ([]float32, []float32, error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *graph.Node) *graph.Node {
		return cnnOutput(ctx, cfg.Model, x)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build inference executor: %w", err)
	}

	n := ds.Len()
	batch := cfg.Data.InferenceBatchSize
	preds := make([]float32, 0, n)
	labels := make([]float32, 0, n)
	for start := 0; start < n; start += batch {
		end := start + batch
		if end > n {
			end = n
		}
		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}
		tilesData, labelVals, err := ds.Batch(indices)
		if err != nil {
			return nil, nil, err
		}
		flat, err := datasets.MakeTileBatchFlat(tilesData, labelVals)
		if err != nil {
			return nil, nil, err
		}
		inT, _, err := flat.ToGomlxTensors()
		if err != nil {
			return nil, nil, err
		}
		out, err := exec.Exec1(inT)
		if err != nil {
			return nil, nil, fmt.Errorf("inference failed: %w", err)
		}
		rows, ok := out.Value().([][]float32)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected prediction tensor type %T", out.Value())
		}
		for _, row := range rows {
			preds = append(preds, row[0])
		}
		labels = append(labels, labelVals...)
	}
	return preds, labels, nil
}

// writePredictions exports per-record predictions next to the fold
// logs.
func writePredictions(ds *datasets.TileDataset, preds []float32, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"country", "year", "cluster", "lon", "lat", "observed", "predicted"}); err != nil {
		f.Close()
		return err
	}
	for i := 0; i < ds.Len() && i < len(preds); i++ {
		rec := ds.Record(i)
		row := []string{
			rec.Country,
			strconv.Itoa(rec.Year),
			strconv.Itoa(rec.Cluster),
			strconv.FormatFloat(rec.Lon, 'f', -1, 64),
			strconv.FormatFloat(rec.Lat, 'f', -1, 64),
			strconv.FormatFloat(rec.Wealth, 'f', -1, 64),
			strconv.FormatFloat(float64(preds[i]), 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatScores(order []MetricKind, scores map[MetricKind]float64) string {
	if len(scores) == 0 {
		return "metrics disabled"
	}
	out := ""
	for _, kind := range order {
		if v, ok := scores[kind]; ok {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%s_val=%.4f", kind, v)
		}
	}
	return out
}
