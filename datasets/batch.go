package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/geodesiac/povmap/tiles"
)

// TileBatchFlat stores a batch in flat contiguous buffers: Inputs is
// [BatchSize, Bands, TileSize, TileSize] row-major, Labels is
// [BatchSize].
type TileBatchFlat struct {
	Inputs    []float32
	Labels    []float32
	BatchSize int
}

// MakeTileBatchFlat flattens per-example tile buffers into one batch
// buffer. Every tile must be a full feature tensor.
func MakeTileBatchFlat(tilesData [][]float32, labels []float32) (*TileBatchFlat, error) {
	if len(tilesData) != len(labels) {
		return nil, fmt.Errorf("tiles and labels batch sizes don't match: %d != %d", len(tilesData), len(labels))
	}
	if len(tilesData) == 0 {
		return &TileBatchFlat{}, nil
	}

	tileLen := tiles.Bands * tiles.TileSize * tiles.TileSize
	flat := make([]float32, len(tilesData)*tileLen)
	for i, tile := range tilesData {
		if len(tile) != tileLen {
			return nil, fmt.Errorf("tile %d has %d samples, want %d", i, len(tile), tileLen)
		}
		copy(flat[i*tileLen:], tile)
	}
	labelCopy := make([]float32, len(labels))
	copy(labelCopy, labels)

	return &TileBatchFlat{
		Inputs:    flat,
		Labels:    labelCopy,
		BatchSize: len(tilesData),
	}, nil
}

// ToGomlxTensors converts the batch into gomlx tensors: inputs of
// shape [batch, bands, size, size] and labels of shape [batch, 1].
func (b *TileBatchFlat) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	if b.BatchSize == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}

	plane := tiles.TileSize * tiles.TileSize
	inputs := make([][][][]float32, b.BatchSize)
	pos := 0
	for i := range inputs {
		inputs[i] = make([][][]float32, tiles.Bands)
		for band := 0; band < tiles.Bands; band++ {
			rows := make([][]float32, tiles.TileSize)
			base := pos + band*plane
			for y := 0; y < tiles.TileSize; y++ {
				rows[y] = b.Inputs[base+y*tiles.TileSize : base+(y+1)*tiles.TileSize]
			}
			inputs[i][band] = rows
		}
		pos += tiles.Bands * plane
	}

	labels := make([][]float32, b.BatchSize)
	for i := range labels {
		labels[i] = b.Labels[i : i+1]
	}

	return tensors.FromAnyValue(inputs), tensors.FromAnyValue(labels), nil
}
