package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package presents the survey observations and their satellite
// tiles as examples suitable for model training.
//
// Tiles are loaded lazily: the dataset stores only the record table
// and a tile store, and reads raster data when an example is
// requested, so memory stays proportional to one batch (plus whatever
// the tile store chooses to cache).
//
// Example(i) is a pure function of i: it touches no shared mutable
// state, so an external batching facility may call it out of order
// and from several goroutines at once. When augmentation is enabled
// the random source is derived per call from (seed, i) rather than
// shared, which keeps calls reentrant and uncorrelated across
// workers.
//
// Yield/Reset implement gomlx's train.Dataset so a dataset can be
// handed straight to a gomlx training loop; batches are converted to
// gomlx tensors through a flat float32 buffer (see TileBatchFlat).
type Dataset interface {
	Len() int
	Example(i int) (tile []float32, label float32, err error)
	Batch(indices []int) (tiles [][]float32, labels []float32, err error)
	Shuffle(seed int64)

	// To implement gomlx's train.Dataset interface.
	Name() string
	Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)
	Reset()
}
