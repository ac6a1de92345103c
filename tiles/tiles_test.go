package tiles

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/geodesiac/povmap/raster"
	"github.com/geodesiac/povmap/records"
)

// writeTile writes a TileSize×TileSize tile with the given band count
// under root using the store's path convention. fill(b, i) produces
// the sample at flat index i of band b.
func writeTile(t *testing.T, root string, rec records.Record, bands int, fill func(b, i int) float32) string {
	t.Helper()
	img := &raster.Image{Width: TileSize, Height: TileSize, Bands: make([][]float32, bands)}
	for b := range img.Bands {
		img.Bands[b] = make([]float32, TileSize*TileSize)
		for i := range img.Bands[b] {
			img.Bands[b][i] = fill(b, i)
		}
	}
	path := NewStore(root).Path(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create tile dir: %v", err)
	}
	if err := raster.WriteFile(path, img); err != nil {
		t.Fatalf("failed to write tile: %v", err)
	}
	return path
}

func TestPath(t *testing.T) {
	s := NewStore("/data/landsat_tiles")
	rec := records.Record{Country: "angola", Year: 2015, Cluster: 42}
	want := filepath.Join("/data/landsat_tiles", "angola_2015", "42.tif")
	if got := s.Path(rec); got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
}

func TestFetch(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "benin", Year: 2013, Cluster: 7}
	writeTile(t, root, rec, 8, func(b, i int) float32 {
		return float32(b*10) + float32(i%3)
	})

	tile, err := NewStore(root).Fetch(rec)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(tile.Data) != Bands*TileSize*TileSize {
		t.Fatalf("tile buffer has %d samples, want %d", len(tile.Data), Bands*TileSize*TileSize)
	}
	if tile.At(0, 0, 0) != 0 || tile.At(0, 1, 0) != 1 {
		t.Fatalf("unexpected band 0 samples: %v, %v", tile.At(0, 0, 0), tile.At(0, 1, 0))
	}
	if tile.At(6, 0, 0) != 60 {
		t.Fatalf("unexpected band 6 sample: %v", tile.At(6, 0, 0))
	}
}

func TestFetchDropsTrailingBand(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "ghana", Year: 2014, Cluster: 1}
	// Band 7 (the mask band) is poisoned; it must never reach the tensor.
	writeTile(t, root, rec, 8, func(b, i int) float32 {
		if b == 7 {
			return 9999
		}
		return float32(b)
	})

	tile, err := NewStore(root).Fetch(rec)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	for _, v := range tile.Data {
		if v == 9999 {
			t.Fatalf("mask band leaked into the feature tensor")
		}
	}
}

func TestFetchZeroesNaN(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "togo", Year: 2015, Cluster: 3}
	nan := float32(math.NaN())
	writeTile(t, root, rec, 8, func(b, i int) float32 {
		if i%17 == 0 {
			return nan
		}
		return 1.5
	})

	tile, err := NewStore(root).Fetch(rec)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	for i, v := range tile.Data {
		if math.IsNaN(float64(v)) {
			t.Fatalf("NaN survived at index %d", i)
		}
		if v != 0 && v != 1.5 {
			t.Fatalf("unexpected sample %v at index %d", v, i)
		}
	}
	if tile.Data[0] != 0 {
		t.Fatalf("expected NaN at index 0 to be zeroed, got %v", tile.Data[0])
	}
}

func TestFetchMissingTile(t *testing.T) {
	rec := records.Record{Country: "angola", Year: 2015, Cluster: 99}
	_, err := NewStore(t.TempDir()).Fetch(rec)
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
}

func TestFetchTooFewBands(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "angola", Year: 2015, Cluster: 5}
	writeTile(t, root, rec, 7, func(b, i int) float32 { return 1 })

	_, err := NewStore(root).Fetch(rec)
	var format *FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected *FormatError for 7-band file, got %v", err)
	}
}

func TestFetchBadDimensions(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "angola", Year: 2015, Cluster: 6}
	img := &raster.Image{Width: 64, Height: 64, Bands: make([][]float32, 8)}
	for b := range img.Bands {
		img.Bands[b] = make([]float32, 64*64)
	}
	path := NewStore(root).Path(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create tile dir: %v", err)
	}
	if err := raster.WriteFile(path, img); err != nil {
		t.Fatalf("failed to write tile: %v", err)
	}

	_, err := NewStore(root).Fetch(rec)
	var format *FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected *FormatError for 64x64 file, got %v", err)
	}
}

func TestFetchGarbageFile(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "angola", Year: 2015, Cluster: 8}
	path := NewStore(root).Path(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create tile dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("not a tiff"), 0o644); err != nil {
		t.Fatalf("failed to write garbage: %v", err)
	}

	_, err := NewStore(root).Fetch(rec)
	var format *FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected *FormatError for garbage file, got %v", err)
	}
}

func TestCacheReturnsSameTile(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "benin", Year: 2013, Cluster: 11}
	path := writeTile(t, root, rec, 8, func(b, i int) float32 { return float32(b + i) })

	s := NewStore(root, WithCache(4))
	first, err := s.Fetch(rec)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Remove the file: a second fetch must be served from cache.
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove tile: %v", err)
	}
	second, err := s.Fetch(rec)
	if err != nil {
		t.Fatalf("cached Fetch failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached fetch to return the same tile")
	}
}

func TestFetchConcurrent(t *testing.T) {
	root := t.TempDir()
	rec := records.Record{Country: "ghana", Year: 2014, Cluster: 2}
	writeTile(t, root, rec, 8, func(b, i int) float32 { return float32(b) })

	s := NewStore(root, WithCache(2))
	done := make(chan error, 8)
	for w := 0; w < 8; w++ {
		go func() {
			for i := 0; i < 10; i++ {
				tile, err := s.Fetch(rec)
				if err != nil {
					done <- err
					return
				}
				if tile.At(3, 0, 0) != 3 {
					done <- errors.New("corrupt tile from concurrent fetch")
					return
				}
			}
			done <- nil
		}()
	}
	for w := 0; w < 8; w++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent fetch: %v", err)
		}
	}
}
