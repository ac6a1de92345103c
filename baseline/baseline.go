// Package baseline provides a pure-Go regression baseline for the
// wealth prediction task. It reduces each tile to its per-band means
// and fits a small dense network with minibatch SGD, giving a fast
// framework-free reference point for the convolutional model.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/geodesiac/povmap/tiles"
)

// Config holds the baseline hyperparameters. Zero values are replaced
// with defaults by NewModel.
type Config struct {
	// HiddenSizes lists the hidden layer widths. Empty means a plain
	// linear model from features to the wealth index.
	HiddenSizes []int

	// InputDim is the feature dimension; defaults to tiles.Bands.
	InputDim int

	LearningRate float64
	Epochs       int
	BatchSize    int

	// Seed controls weight init and epoch shuffling. Zero picks a
	// time-based seed.
	Seed int64
}

// Source is the minimal view of a dataset the trainer needs: feature
// vectors and scalar labels by global index.
type Source interface {
	Len() int
	Batch(indices []int) ([][]float32, []float32, error)
}

// Model is a small dense network mapping band-mean features to a
// single wealth value.
type Model struct {
	Config Config

	// layerSizes is input dim, hidden widths, then 1.
	layerSizes []int

	// weights[l][j][i] connects unit i of layer l to unit j of l+1.
	weights [][][]float32
	biases  [][]float32

	rng *rand.Rand
}

// NewModel initializes a model with Glorot-uniform weights.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InputDim == 0 {
		cfg.InputDim = tiles.Bands
	}
	if cfg.InputDim < 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", cfg.InputDim)
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = 20
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 16
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, 1)
	m.layerSizes = sizes

	layers := len(sizes) - 1
	m.weights = make([][][]float32, layers)
	m.biases = make([][]float32, layers)
	for l := 0; l < layers; l++ {
		in, out := sizes[l], sizes[l+1]
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		for j := range mat {
			row := make([]float32, in)
			for i := range row {
				row[i] = (m.rng.Float32()*2 - 1) * limit
			}
			mat[j] = row
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
	}
	return m, nil
}

// BandMeans reduces a flat band-major tile to its per-band means, the
// feature vector this baseline trains on.
func BandMeans(flat []float32) ([]float32, error) {
	const plane = tiles.TileSize * tiles.TileSize
	if len(flat) != tiles.Bands*plane {
		return nil, fmt.Errorf("tile has %d values, want %d", len(flat), tiles.Bands*plane)
	}
	means := make([]float32, tiles.Bands)
	for b := 0; b < tiles.Bands; b++ {
		var sum float64
		for _, v := range flat[b*plane : (b+1)*plane] {
			sum += float64(v)
		}
		means[b] = float32(sum / plane)
	}
	return means, nil
}

// TileSource adapts a tile dataset into a feature Source by reducing
// each tile to its band means.
type TileSource struct {
	DS Source
}

func (s *TileSource) Len() int { return s.DS.Len() }

func (s *TileSource) Batch(indices []int) ([][]float32, []float32, error) {
	flats, labels, err := s.DS.Batch(indices)
	if err != nil {
		return nil, nil, err
	}
	features := make([][]float32, len(flats))
	for i, flat := range flats {
		features[i], err = BandMeans(flat)
		if err != nil {
			return nil, nil, err
		}
	}
	return features, labels, nil
}

// forward runs one input through the network, keeping the
// pre-activations and activations needed for backprop. Hidden layers
// use ReLU; the output is linear.
func (m *Model) forward(input []float32) (preActs, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, fmt.Errorf("input has dimension %d, want %d", len(input), m.layerSizes[0])
	}
	layers := len(m.weights)
	acts = make([][]float32, layers+1)
	acts[0] = input
	preActs = make([][]float32, layers)
	for l := 0; l < layers; l++ {
		in := acts[l]
		out := len(m.biases[l])
		pre := make([]float32, out)
		for j := 0; j < out; j++ {
			sum := m.biases[l][j]
			row := m.weights[l][j]
			for i, v := range in {
				sum += row[i] * v
			}
			pre[j] = sum
		}
		preActs[l] = pre
		act := make([]float32, out)
		copy(act, pre)
		if l < layers-1 {
			for i := range act {
				if act[i] < 0 {
					act[i] = 0
				}
			}
		}
		acts[l+1] = act
	}
	return preActs, acts, nil
}

// Predict returns the wealth prediction for one feature vector.
func (m *Model) Predict(features []float32) (float32, error) {
	_, acts, err := m.forward(features)
	if err != nil {
		return 0, err
	}
	return acts[len(acts)-1][0], nil
}

// PredictBatch returns predictions for a batch of feature vectors.
func (m *Model) PredictBatch(features [][]float32) ([]float32, error) {
	out := make([]float32, len(features))
	for i, f := range features {
		v, err := m.Predict(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Fit trains the model on src with minibatch SGD under a
// mean-squared-error loss. Gradients are averaged over each minibatch
// before the update.
func (m *Model) Fit(src Source) error {
	if src == nil {
		return errors.New("source is nil")
	}
	n := src.Len()
	if n == 0 {
		return errors.New("source has no examples")
	}

	lr := float32(m.Config.LearningRate)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	for ep := 0; ep < m.Config.Epochs; ep++ {
		m.rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		for start := 0; start < n; start += m.Config.BatchSize {
			end := start + m.Config.BatchSize
			if end > n {
				end = n
			}
			inputs, labels, err := src.Batch(indices[start:end])
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				continue
			}
			if err := m.step(inputs, labels, lr); err != nil {
				return err
			}
		}
	}
	return nil
}

// step applies one averaged-gradient SGD update.
func (m *Model) step(inputs [][]float32, labels []float32, lr float32) error {
	layers := len(m.weights)
	gradW := make([][][]float32, layers)
	gradB := make([][]float32, layers)
	for l := 0; l < layers; l++ {
		out := len(m.biases[l])
		in := len(m.weights[l][0])
		gradW[l] = make([][]float32, out)
		for j := range gradW[l] {
			gradW[l][j] = make([]float32, in)
		}
		gradB[l] = make([]float32, out)
	}

	for ex := range inputs {
		preActs, acts, err := m.forward(inputs[ex])
		if err != nil {
			return err
		}
		pred := acts[len(acts)-1][0]
		delta := []float32{2 * (pred - labels[ex])}

		for l := layers - 1; l >= 0; l-- {
			inAct := acts[l]
			for j, d := range delta {
				gradB[l][j] += d
				for i, v := range inAct {
					gradW[l][j][i] += d * v
				}
			}
			if l == 0 {
				break
			}
			prev := len(m.weights[l][0])
			next := make([]float32, prev)
			for i := 0; i < prev; i++ {
				var sum float32
				for j, d := range delta {
					sum += m.weights[l][j][i] * d
				}
				if preActs[l-1][i] <= 0 {
					sum = 0
				}
				next[i] = sum
			}
			delta = next
		}
	}

	inv := 1 / float32(len(inputs))
	for l := 0; l < layers; l++ {
		for j := range m.weights[l] {
			m.biases[l][j] -= lr * gradB[l][j] * inv
			for i := range m.weights[l][j] {
				m.weights[l][j][i] -= lr * gradW[l][j][i] * inv
			}
		}
	}
	return nil
}
