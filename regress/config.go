package regress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// SplitPolicy selects how train/validation indices are produced.
type SplitPolicy string

const (
	// SplitRandom holds out a random fraction of the records.
	SplitRandom SplitPolicy = "random"
	// SplitFold holds out the records whose fold column equals the
	// current fold, the deterministic k-fold policy.
	SplitFold SplitPolicy = "fold"
)

// Config is the experiment configuration, loaded once at startup from
// JSON with flag overrides on top. Every variant choice (split
// policy, model name) is resolved here; nothing downstream inspects
// configuration shapes at run time.
type Config struct {
	Run       RunConfig     `json:"run"`
	Data      DataConfig    `json:"data"`
	Model     ModelConfig   `json:"model"`
	Optimizer OptimConfig   `json:"optimizer"`
	Trainer   TrainerConfig `json:"trainer"`
	Task      TaskConfig    `json:"task"`
}

type RunConfig struct {
	// CheckpointPath, when set, resumes training from an existing
	// checkpoint directory.
	CheckpointPath string `json:"checkpoint_path"`
}

type DataConfig struct {
	// DatasetPath is the directory holding the labels CSV and the
	// tile tree.
	DatasetPath string `json:"dataset_path"`
	LabelsName  string `json:"labels_name"`
	TifDir      string `json:"tif_dir"`

	TrainBatchSize     int `json:"train_batch_size"`
	InferenceBatchSize int `json:"inference_batch_size"`

	// CacheTiles > 0 keeps that many decoded tiles in memory.
	CacheTiles int `json:"cache_tiles"`

	// NormalizerPath points at the per-band mean/std JSON; empty
	// disables normalization.
	NormalizerPath string `json:"normalizer_path"`

	// MinYear drops records older than the given survey year; zero
	// keeps everything.
	MinYear int `json:"min_year"`

	// Augmentation strengths for the training split.
	JitterBrightness float64 `json:"jitter_brightness"`
	JitterContrast   float64 `json:"jitter_contrast"`
	RandomFlips      bool    `json:"random_flips"`
}

// LabelsPath returns the labels CSV location.
func (d DataConfig) LabelsPath() string {
	return filepath.Join(d.DatasetPath, d.LabelsName)
}

// TileRoot returns the tile tree root.
func (d DataConfig) TileRoot() string {
	return filepath.Join(d.DatasetPath, d.TifDir)
}

type ModelConfig struct {
	// Name is the model variant tag. Only "cnn" is supported.
	Name string `json:"name"`

	// Filters per convolution block; each block halves the spatial
	// resolution.
	Filters []int `json:"filters"`

	KernelSize int `json:"kernel_size"`

	// Hidden is the width of the dense layer between pooling and the
	// regression output.
	Hidden int `json:"hidden"`
}

type OptimConfig struct {
	LearningRate float64 `json:"lr"`
}

type TrainerConfig struct {
	Epochs int    `json:"epochs"`
	LogDir string `json:"log_dir"`
	Seed   int64  `json:"seed"`
}

type TaskConfig struct {
	// Split selects the fold policy.
	Split SplitPolicy `json:"split"`
	// ValSplit is the held-out fraction for SplitRandom.
	ValSplit float64 `json:"val_split"`

	// Metrics are validation metric names from the closed supported
	// set. A malformed list disables metrics with a warning; training
	// proceeds without them.
	Metrics []string `json:"metrics"`

	// Monitor names the metric whose improvement refreshes the best
	// checkpoint. Empty selects the first configured metric.
	Monitor string `json:"monitor"`
}

// Default returns the configuration the original experiment ran with.
func Default() Config {
	return Config{
		Data: DataConfig{
			DatasetPath:        "dataset",
			LabelsName:         "observation_2013+.csv",
			TifDir:             "landsat_tiles",
			TrainBatchSize:     32,
			InferenceBatchSize: 16,
			JitterBrightness:   0.1,
			JitterContrast:     0.1,
			RandomFlips:        true,
		},
		Model: ModelConfig{
			Name:       "cnn",
			Filters:    []int{32, 64, 128, 128},
			KernelSize: 3,
			Hidden:     128,
		},
		Optimizer: OptimConfig{LearningRate: 1e-4},
		Trainer: TrainerConfig{
			Epochs: 10,
			LogDir: "output",
			Seed:   42,
		},
		Task: TaskConfig{
			Split:   SplitFold,
			Metrics: []string{"r2", "mse", "mae"},
			Monitor: "r2",
		},
	}
}

// Load reads a JSON config from path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolved is a validated configuration with the variant choices
// settled: metric kinds resolved against the closed table and the
// monitor picked.
type Resolved struct {
	Config
	Metrics []MetricKind
	Monitor MetricKind
}

// Resolve validates cfg. Structural problems (bad split policy,
// unknown model name, missing paths) are errors; a malformed metric
// list only logs a warning and disables metric computation, since
// training can proceed without it.
func Resolve(cfg Config) (*Resolved, error) {
	switch cfg.Task.Split {
	case SplitRandom:
		if cfg.Task.ValSplit <= 0 || cfg.Task.ValSplit >= 1 {
			return nil, fmt.Errorf("random split needs val_split in (0, 1), got %v", cfg.Task.ValSplit)
		}
	case SplitFold:
		// Fold comes from the run loop, nothing to check here.
	default:
		return nil, fmt.Errorf("unknown split policy %q", cfg.Task.Split)
	}

	if cfg.Model.Name != "cnn" {
		return nil, fmt.Errorf("unknown model %q", cfg.Model.Name)
	}
	if len(cfg.Model.Filters) == 0 {
		return nil, fmt.Errorf("model needs at least one convolution block")
	}
	if cfg.Data.TrainBatchSize <= 0 || cfg.Data.InferenceBatchSize <= 0 {
		return nil, fmt.Errorf("batch sizes must be positive")
	}
	if cfg.Trainer.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive")
	}

	r := &Resolved{Config: cfg}
	kinds, err := ResolveMetrics(cfg.Task.Metrics)
	if err != nil {
		klog.Warningf("metric configuration rejected, disabling metrics: %v", err)
		r.Metrics = nil
	} else {
		r.Metrics = kinds
	}

	if len(r.Metrics) > 0 {
		r.Monitor = r.Metrics[0]
		if cfg.Task.Monitor != "" {
			monitor := MetricKind(cfg.Task.Monitor)
			found := false
			for _, k := range r.Metrics {
				if k == monitor {
					found = true
					break
				}
			}
			if !found {
				klog.Warningf("monitor metric %q not in configured metrics, using %q", cfg.Task.Monitor, r.Monitor)
			} else {
				r.Monitor = monitor
			}
		}
	}
	return r, nil
}
