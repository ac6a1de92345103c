package datasets

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/geodesiac/povmap/raster"
	"github.com/geodesiac/povmap/records"
	"github.com/geodesiac/povmap/tiles"
)

// fixture builds a labels CSV plus matching tile files and returns
// the loaded table and a store over the tiles. Sample values encode
// (cluster, band) so tests can verify the right tile reached the
// right example.
func fixture(t *testing.T, n int) (*records.Table, *tiles.Store) {
	t.Helper()
	dir := t.TempDir()

	labels := filepath.Join(dir, "observations.csv")
	f, err := os.Create(labels)
	if err != nil {
		t.Fatalf("failed to create labels csv: %v", err)
	}
	fmt.Fprintln(f, "country,year,cluster,lon,lat,wealthpooled,urban_rural,fold")
	for i := 0; i < n; i++ {
		fmt.Fprintf(f, "angola,2015,%d,1.0,1.0,%f,1,%d\n", i, float64(i)/4, i%NumFolds+1)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close labels csv: %v", err)
	}

	tbl, err := records.Load(labels)
	if err != nil {
		t.Fatalf("failed to load labels: %v", err)
	}

	root := filepath.Join(dir, "landsat_tiles")
	store := tiles.NewStore(root)
	for i := 0; i < n; i++ {
		img := &raster.Image{Width: tiles.TileSize, Height: tiles.TileSize, Bands: make([][]float32, 8)}
		for b := range img.Bands {
			img.Bands[b] = make([]float32, tiles.TileSize*tiles.TileSize)
			for p := range img.Bands[b] {
				img.Bands[b][p] = float32(i*100 + b)
			}
		}
		path := store.Path(tbl.Records[i])
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create tile dir: %v", err)
		}
		if err := raster.WriteFile(path, img); err != nil {
			t.Fatalf("failed to write tile %d: %v", i, err)
		}
	}
	return tbl, store
}

func TestExample(t *testing.T) {
	tbl, store := fixture(t, 3)
	ds := New("poverty", tbl, store, nil)

	if ds.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ds.Len())
	}
	tile, label, err := ds.Example(2)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	if len(tile) != tiles.Bands*tiles.TileSize*tiles.TileSize {
		t.Fatalf("tile buffer has %d samples", len(tile))
	}
	if tile[0] != 200 {
		t.Fatalf("wrong tile for index 2: first sample %v", tile[0])
	}
	if label != 0.5 {
		t.Fatalf("label = %v, want 0.5", label)
	}
}

func TestExampleDeterministic(t *testing.T) {
	tbl, store := fixture(t, 2)
	ds := New("poverty", tbl, store, nil)

	a, _, err := ds.Example(1)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	b, _, err := ds.Example(1)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Example(1) not bit-identical at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestExampleDeterministicWithAugment(t *testing.T) {
	tbl, store := fixture(t, 2)
	aug := &Augment{Brightness: 0.1, Contrast: 0.1, HFlip: true, VFlip: true}
	ds := New("poverty", tbl, store, nil, WithAugment(aug, 7))

	a, _, err := ds.Example(0)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	b, _, err := ds.Example(0)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("augmented Example(0) not reproducible at %d", i)
		}
	}
}

func TestExampleConcurrent(t *testing.T) {
	tbl, store := fixture(t, 4)
	ds := New("poverty", tbl, store, nil,
		WithAugment(&Augment{Brightness: 0.1}, 3),
		WithNormalizer(&Normalizer{
			Mean: [tiles.Bands]float64{1, 1, 1, 1, 1, 1, 1},
			Std:  [tiles.Bands]float64{2, 2, 2, 2, 2, 2, 2},
		}))

	done := make(chan error, 8)
	for w := 0; w < 8; w++ {
		w := w
		go func() {
			for i := 0; i < 5; i++ {
				idx := (w + i) % ds.Len()
				tile, _, err := ds.Example(idx)
				if err != nil {
					done <- err
					return
				}
				if len(tile) != tiles.Bands*tiles.TileSize*tiles.TileSize {
					done <- fmt.Errorf("short tile from worker %d", w)
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < 8; w++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Example: %v", err)
		}
	}
}

func TestExampleMissingTileFails(t *testing.T) {
	tbl, store := fixture(t, 2)
	// Point a record at a tile that was never written.
	tbl.Records[1].Cluster = 999

	ds := New("poverty", tbl, store, nil)
	_, _, err := ds.Example(1)
	if err == nil {
		t.Fatalf("expected error for missing tile, got nil")
	}
	var notFound *tiles.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *tiles.NotFoundError, got %v", err)
	}
}

func TestExampleOutOfRange(t *testing.T) {
	tbl, store := fixture(t, 2)
	ds := New("poverty", tbl, store, nil)
	if _, _, err := ds.Example(2); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
	if _, _, err := ds.Example(-1); err == nil {
		t.Fatalf("expected error for negative index")
	}
}

func TestSubsetRows(t *testing.T) {
	tbl, store := fixture(t, 5)
	ds := New("val", tbl, store, []int{1, 3})

	if ds.Len() != 2 {
		t.Fatalf("Len = %d, want 2", ds.Len())
	}
	tile, _, err := ds.Example(1)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	if tile[0] != 300 {
		t.Fatalf("subset index 1 should map to row 3, first sample %v", tile[0])
	}
	if ds.Record(0).Cluster != 1 {
		t.Fatalf("Record(0) cluster = %d, want 1", ds.Record(0).Cluster)
	}
}

func TestNormalizerApplied(t *testing.T) {
	tbl, store := fixture(t, 1)
	norm := &Normalizer{}
	for b := 0; b < tiles.Bands; b++ {
		norm.Mean[b] = float64(b)
		norm.Std[b] = 2
	}
	ds := New("poverty", tbl, store, nil, WithNormalizer(norm))

	tile, _, err := ds.Example(0)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	// Raw sample in band b of tile 0 is b, so normalized is (b-b)/2.
	plane := tiles.TileSize * tiles.TileSize
	for b := 0; b < tiles.Bands; b++ {
		if tile[b*plane] != 0 {
			t.Fatalf("band %d: normalized sample %v, want 0", b, tile[b*plane])
		}
	}
}

func TestYieldEpoch(t *testing.T) {
	tbl, store := fixture(t, 5)
	ds := New("poverty", tbl, store, nil, WithBatchSize(2))

	var total int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield failed: %v", err)
		}
		if len(inputs) != 1 || len(labels) != 1 {
			t.Fatalf("Yield returned %d input and %d label tensors", len(inputs), len(labels))
		}
		total++
	}
	if total != 3 { // 2 + 2 + 1
		t.Fatalf("expected 3 batches per epoch, got %d", total)
	}

	// A fresh epoch only after Reset.
	if _, _, _, err := ds.Yield(); err != io.EOF {
		t.Fatalf("expected io.EOF before Reset, got %v", err)
	}
	ds.Reset()
	if _, _, _, err := ds.Yield(); err != nil {
		t.Fatalf("Yield after Reset failed: %v", err)
	}
}

func TestShuffleKeepsExampleMapping(t *testing.T) {
	tbl, store := fixture(t, 4)
	ds := New("poverty", tbl, store, nil)

	before, _, err := ds.Example(2)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	ds.Shuffle(99)
	after, _, err := ds.Example(2)
	if err != nil {
		t.Fatalf("Example failed: %v", err)
	}
	if before[0] != after[0] {
		t.Fatalf("Shuffle changed the Example mapping")
	}
}

func TestComputeNormalizer(t *testing.T) {
	tbl, store := fixture(t, 3)
	ds := New("poverty", tbl, store, nil)

	norm, err := ComputeNormalizer(ds)
	if err != nil {
		t.Fatalf("ComputeNormalizer failed: %v", err)
	}
	// Tile i band b is constant i*100+b, so the mean over tiles 0..2
	// of band b is 100+b and every per-tile std is 0.
	for b := 0; b < tiles.Bands; b++ {
		want := 100 + float64(b)
		if math.Abs(norm.Mean[b]-want) > 1e-6 {
			t.Fatalf("band %d mean = %v, want %v", b, norm.Mean[b], want)
		}
		if norm.Std[b] != 0 {
			t.Fatalf("band %d std = %v, want 0", b, norm.Std[b])
		}
	}

	// Round-trip through JSON.
	path := filepath.Join(t.TempDir(), "normalizer.json")
	if err := norm.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadNormalizer(path)
	if err != nil {
		t.Fatalf("LoadNormalizer failed: %v", err)
	}
	if *loaded != *norm {
		t.Fatalf("normalizer changed across save/load: %+v vs %+v", loaded, norm)
	}
}

func TestMakeTileBatchFlat(t *testing.T) {
	tileLen := tiles.Bands * tiles.TileSize * tiles.TileSize
	a := make([]float32, tileLen)
	b := make([]float32, tileLen)
	a[0], b[0] = 1, 2

	flat, err := MakeTileBatchFlat([][]float32{a, b}, []float32{0.5, -0.5})
	if err != nil {
		t.Fatalf("MakeTileBatchFlat failed: %v", err)
	}
	if flat.BatchSize != 2 || len(flat.Inputs) != 2*tileLen {
		t.Fatalf("unexpected flat batch: size=%d inputs=%d", flat.BatchSize, len(flat.Inputs))
	}
	if flat.Inputs[0] != 1 || flat.Inputs[tileLen] != 2 {
		t.Fatalf("flat layout wrong: %v, %v", flat.Inputs[0], flat.Inputs[tileLen])
	}

	if _, err := MakeTileBatchFlat([][]float32{a}, []float32{1, 2}); err == nil {
		t.Fatalf("expected error for mismatched batch sizes")
	}
	if _, err := MakeTileBatchFlat([][]float32{a[:10]}, []float32{1}); err == nil {
		t.Fatalf("expected error for short tile")
	}
}
