package datasets

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/geodesiac/povmap/records"
	"github.com/geodesiac/povmap/tiles"
)

// TileDataset exposes a subset of a record table as (tile, wealth)
// examples backed by a tile store. It implements Dataset.
type TileDataset struct {
	name      string
	table     *records.Table
	store     *tiles.Store
	rows      []int // table row per dataset index; fixed at construction
	batchSize int
	norm      *Normalizer
	aug       *Augment
	seed      int64

	// Epoch iteration state for Yield. Only Yield/Reset/Shuffle touch
	// it; Example and Batch stay free of shared mutable state.
	mu    sync.Mutex
	order []int
	pos   int
}

// Option configures a TileDataset.
type Option func(*TileDataset)

// WithBatchSize sets the batch size used by Yield. Default 32.
func WithBatchSize(n int) Option {
	return func(d *TileDataset) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithNormalizer applies per-band normalization to every example.
func WithNormalizer(n *Normalizer) Option {
	return func(d *TileDataset) { d.norm = n }
}

// WithAugment enables training-time augmentation. The per-example
// random source is derived from seed and the example index.
func WithAugment(a *Augment, seed int64) Option {
	return func(d *TileDataset) {
		d.aug = a
		d.seed = seed
	}
}

// New creates a dataset over the given table rows. rows may be nil to
// use every record in table order.
func New(name string, table *records.Table, store *tiles.Store, rows []int, opts ...Option) *TileDataset {
	if rows == nil {
		rows = make([]int, table.Len())
		for i := range rows {
			rows[i] = i
		}
	}
	d := &TileDataset{
		name:      name,
		table:     table,
		store:     store,
		rows:      rows,
		batchSize: 32,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.order = make([]int, len(d.rows))
	for i := range d.order {
		d.order[i] = i
	}
	return d
}

// Len returns the number of examples.
func (d *TileDataset) Len() int { return len(d.rows) }

// Record returns the survey record behind dataset index i.
func (d *TileDataset) Record(i int) records.Record {
	return d.table.Records[d.rows[i]]
}

// Example loads the tile and label for dataset index i, applying the
// configured normalization and augmentation. The returned buffer is
// the caller's: repeated calls return fresh, equal buffers (bit
// identical when augmentation is off).
func (d *TileDataset) Example(i int) ([]float32, float32, error) {
	if i < 0 || i >= len(d.rows) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(d.rows))
	}
	rec := d.table.Records[d.rows[i]]
	tile, err := d.store.Fetch(rec)
	if err != nil {
		return nil, 0, err
	}

	buf := make([]float32, len(tile.Data))
	copy(buf, tile.Data)

	if d.aug != nil {
		rng := rand.New(rand.NewSource(exampleSeed(d.seed, i)))
		d.aug.apply(buf, rng)
	}
	if d.norm != nil {
		d.norm.Apply(buf)
	}
	return buf, float32(rec.Wealth), nil
}

// exampleSeed mixes the dataset seed with the example index
// (splitmix64 finalizer) so neighboring indices get unrelated
// streams.
func exampleSeed(seed int64, i int) int64 {
	z := uint64(seed) + uint64(i)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

// Batch loads the examples at the given dataset indices.
func (d *TileDataset) Batch(indices []int) ([][]float32, []float32, error) {
	tilesOut := make([][]float32, len(indices))
	labels := make([]float32, len(indices))
	for pos, idx := range indices {
		tile, label, err := d.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		tilesOut[pos] = tile
		labels[pos] = label
	}
	return tilesOut, labels, nil
}

// Shuffle permutes the order Yield serves examples in. It does not
// change the index→example mapping used by Example.
func (d *TileDataset) Shuffle(seed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
}

// Name implements gomlx's train.Dataset.
func (d *TileDataset) Name() string { return d.name }

// Yield returns the next batch as gomlx tensors, implementing gomlx's
// train.Dataset. It returns io.EOF when the epoch is exhausted; call
// Reset to start the next epoch.
func (d *TileDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	d.mu.Lock()
	if d.pos >= len(d.order) {
		d.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	end := d.pos + d.batchSize
	if end > len(d.order) {
		end = len(d.order)
	}
	batch := make([]int, end-d.pos)
	copy(batch, d.order[d.pos:end])
	d.pos = end
	d.mu.Unlock()

	tilesData, labelData, err := d.Batch(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	flat, err := MakeTileBatchFlat(tilesData, labelData)
	if err != nil {
		return nil, nil, nil, err
	}
	inT, labT, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{inT}, []*tensors.Tensor{labT}, nil
}

// Reset rewinds the epoch iterator.
func (d *TileDataset) Reset() {
	d.mu.Lock()
	d.pos = 0
	d.mu.Unlock()
}
