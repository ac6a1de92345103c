package datasets

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/geodesiac/povmap/tiles"
)

// Normalizer holds per-band mean and standard deviation used to
// standardize tiles before training.
type Normalizer struct {
	Mean [tiles.Bands]float64 `json:"mean"`
	Std  [tiles.Bands]float64 `json:"std"`
}

// Apply standardizes a tile buffer in place, band by band. Bands with
// a zero std are left unscaled to avoid dividing by zero.
func (n *Normalizer) Apply(tile []float32) {
	plane := tiles.TileSize * tiles.TileSize
	for b := 0; b < tiles.Bands; b++ {
		mean := float32(n.Mean[b])
		std := float32(n.Std[b])
		if std == 0 {
			std = 1
		}
		band := tile[b*plane : (b+1)*plane]
		for i := range band {
			band[i] = (band[i] - mean) / std
		}
	}
}

// Save writes the normalizer as JSON.
func (n *Normalizer) Save(path string) error {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal normalizer: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write normalizer %s: %w", path, err)
	}
	return nil
}

// LoadNormalizer reads a normalizer JSON written by Save.
func LoadNormalizer(path string) (*Normalizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read normalizer %s: %w", path, err)
	}
	var n Normalizer
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse normalizer %s: %w", path, err)
	}
	return &n, nil
}

// ComputeNormalizer estimates per-band statistics over a dataset as
// the average of per-tile band means and per-tile band standard
// deviations. Run it over the raw training split, before any
// normalization is configured.
func ComputeNormalizer(ds Dataset) (*Normalizer, error) {
	n := ds.Len()
	if n == 0 {
		return nil, fmt.Errorf("cannot compute normalizer over an empty dataset")
	}

	var norm Normalizer
	plane := tiles.TileSize * tiles.TileSize
	for i := 0; i < n; i++ {
		tile, _, err := ds.Example(i)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		for b := 0; b < tiles.Bands; b++ {
			band := tile[b*plane : (b+1)*plane]
			var sum, sumSq float64
			for _, v := range band {
				sum += float64(v)
				sumSq += float64(v) * float64(v)
			}
			mean := sum / float64(plane)
			variance := sumSq/float64(plane) - mean*mean
			if variance < 0 {
				variance = 0
			}
			norm.Mean[b] += mean
			norm.Std[b] += math.Sqrt(variance)
		}
	}
	for b := 0; b < tiles.Bands; b++ {
		norm.Mean[b] /= float64(n)
		norm.Std[b] /= float64(n)
	}
	return &norm, nil
}

// Augment is training-time augmentation: brightness/contrast jitter
// per band plus optional horizontal/vertical flips. Zero-valued
// fields disable the corresponding transform.
type Augment struct {
	Brightness float64 // factor drawn from [1-b, 1+b]
	Contrast   float64 // factor drawn from [1-c, 1+c]
	HFlip      bool
	VFlip      bool
}

func (a *Augment) apply(tile []float32, rng *rand.Rand) {
	plane := tiles.TileSize * tiles.TileSize
	for b := 0; b < tiles.Bands; b++ {
		band := tile[b*plane : (b+1)*plane]
		if a.Brightness > 0 {
			factor := float32(1 + (rng.Float64()*2-1)*a.Brightness)
			for i := range band {
				band[i] *= factor
			}
		}
		if a.Contrast > 0 {
			factor := float32(1 + (rng.Float64()*2-1)*a.Contrast)
			var sum float64
			for _, v := range band {
				sum += float64(v)
			}
			mean := float32(sum / float64(plane))
			for i := range band {
				band[i] = (band[i]-mean)*factor + mean
			}
		}
	}

	// Flips apply to all bands at once so the channels stay aligned.
	if a.HFlip && rng.Intn(2) == 1 {
		for b := 0; b < tiles.Bands; b++ {
			band := tile[b*plane : (b+1)*plane]
			for y := 0; y < tiles.TileSize; y++ {
				row := band[y*tiles.TileSize : (y+1)*tiles.TileSize]
				for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
					row[i], row[j] = row[j], row[i]
				}
			}
		}
	}
	if a.VFlip && rng.Intn(2) == 1 {
		for b := 0; b < tiles.Bands; b++ {
			band := tile[b*plane : (b+1)*plane]
			for y1, y2 := 0, tiles.TileSize-1; y1 < y2; y1, y2 = y1+1, y2-1 {
				row1 := band[y1*tiles.TileSize : (y1+1)*tiles.TileSize]
				row2 := band[y2*tiles.TileSize : (y2+1)*tiles.TileSize]
				for i := range row1 {
					row1[i], row2[i] = row2[i], row1[i]
				}
			}
		}
	}
}
