// Package tiles resolves survey records to their Landsat tile files
// and loads the feature bands into fixed-shape float32 buffers.
package tiles

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/geodesiac/povmap/raster"
	"github.com/geodesiac/povmap/records"
)

// Tile geometry. Each tile file carries the seven feature bands
// (BLUE, GREEN, RED, NIR, SWIR1, SWIR2, TEMP1), the NIGHTLIGHTS band
// and a trailing auxiliary band that is never part of the feature
// tensor.
const (
	Bands    = 7
	TileSize = 255
	// minFileBands is the band count a tile file must have: the
	// seven features plus at least the trailing excluded band.
	minFileBands = 8
)

// Tile is a decoded feature tensor: Bands planes of TileSize×TileSize
// float32 samples in one band-major buffer, NaN-free.
type Tile struct {
	Data []float32 // len == Bands*TileSize*TileSize
}

// At returns the sample of band b at pixel (x, y).
func (t *Tile) At(b, x, y int) float32 {
	return t.Data[b*TileSize*TileSize+y*TileSize+x]
}

// NotFoundError reports a record whose tile file does not exist. A
// missing tile is fatal to the caller: silently skipping samples would
// bias the label distribution.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tile file not found: %s", e.Path)
}

// FormatError reports a tile file that exists but cannot serve as a
// feature tensor.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bad tile file %s: %s", e.Path, e.Reason)
}

// Store fetches tiles from a directory tree laid out as
// <root>/<country>_<year>/<cluster>.tif.
//
// Fetch is safe for concurrent use. When caching is enabled the cache
// is shared under a mutex; parallel loaders that want lock-free reads
// should use one Store per worker instead.
type Store struct {
	root string

	mu       sync.Mutex
	cache    map[string]*Tile
	maxCache int
}

// Option configures a Store.
type Option func(*Store)

// WithCache keeps up to maxEntries decoded tiles in memory. Tiles are
// immutable, so cached entries are returned without copying.
func WithCache(maxEntries int) Option {
	return func(s *Store) {
		if maxEntries > 0 {
			s.cache = make(map[string]*Tile, maxEntries)
			s.maxCache = maxEntries
		}
	}
}

// NewStore creates a tile store rooted at root.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{root: root}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the tile file path for rec.
func (s *Store) Path(rec records.Record) string {
	dir := fmt.Sprintf("%s_%d", rec.Country, rec.Year)
	return filepath.Join(s.root, dir, fmt.Sprintf("%d.tif", rec.Cluster))
}

// Fetch loads the feature tensor for rec: the first Bands bands of the
// tile file, with every NaN replaced by zero. It returns
// *NotFoundError if the file is absent and *FormatError if the file
// cannot be decoded, has fewer than eight bands, or has the wrong
// dimensions.
func (s *Store) Fetch(rec records.Record) (*Tile, error) {
	path := s.Path(rec)

	if s.cache != nil {
		s.mu.Lock()
		tile, ok := s.cache[path]
		s.mu.Unlock()
		if ok {
			return tile, nil
		}
	}

	tile, err := s.load(path)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.mu.Lock()
		if len(s.cache) < s.maxCache {
			s.cache[path] = tile
		}
		s.mu.Unlock()
	}
	return tile, nil
}

func (s *Store) load(path string) (*Tile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &NotFoundError{Path: path}
	}

	img, err := raster.ReadFile(path)
	if err != nil {
		return nil, &FormatError{Path: path, Reason: err.Error()}
	}
	if len(img.Bands) < minFileBands {
		return nil, &FormatError{
			Path:   path,
			Reason: fmt.Sprintf("%d bands, need at least %d", len(img.Bands), minFileBands),
		}
	}
	if img.Width != TileSize || img.Height != TileSize {
		return nil, &FormatError{
			Path:   path,
			Reason: fmt.Sprintf("%dx%d pixels, want %dx%d", img.Width, img.Height, TileSize, TileSize),
		}
	}

	tile := &Tile{Data: make([]float32, Bands*TileSize*TileSize)}
	plane := TileSize * TileSize
	for b := 0; b < Bands; b++ {
		dst := tile.Data[b*plane : (b+1)*plane]
		copy(dst, img.Bands[b])
		for i, v := range dst {
			if math.IsNaN(float64(v)) {
				dst[i] = 0
			}
		}
	}
	return tile, nil
}
