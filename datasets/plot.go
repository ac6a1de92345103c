package datasets

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/geodesiac/povmap/tiles"
)

// bandGrid adapts one tile band to plotter.GridXYZ.
type bandGrid struct {
	tile *tiles.Tile
	band int
}

func (g bandGrid) Dims() (c, r int)   { return tiles.TileSize, tiles.TileSize }
func (g bandGrid) X(c int) float64    { return float64(c) }
func (g bandGrid) Y(r int) float64    { return float64(r) }
func (g bandGrid) Z(c, r int) float64 {
	// Flip vertically so row 0 renders at the top, as in the raster.
	return float64(g.tile.At(g.band, c, tiles.TileSize-1-r))
}

// PlotBand renders one band of a tile as a heat map PNG.
func PlotBand(tile *tiles.Tile, band int, label float64, path string) error {
	if band < 0 || band >= tiles.Bands {
		return fmt.Errorf("band %d out of range [0, %d)", band, tiles.Bands)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("band %d, wealth %.3f", band, label)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	h := plotter.NewHeatMap(bandGrid{tile: tile, band: band}, palette.Heat(128, 1))
	p.Add(h)

	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save band plot: %w", err)
	}
	return nil
}

// PlotBands renders every feature band of a tile, writing
// <prefix>_band0.png through <prefix>_band6.png.
func PlotBands(tile *tiles.Tile, label float64, prefix string) error {
	for b := 0; b < tiles.Bands; b++ {
		path := fmt.Sprintf("%s_band%d.png", prefix, b)
		if err := PlotBand(tile, b, label, path); err != nil {
			return err
		}
	}
	return nil
}

// PlotRGB writes a true-color composite of the tile (RED, GREEN, BLUE
// are bands 2, 1, 0) scaled against vmax.
func PlotRGB(tile *tiles.Tile, vmax float32, path string) error {
	if vmax <= 0 {
		vmax = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, tiles.TileSize, tiles.TileSize))
	for y := 0; y < tiles.TileSize; y++ {
		for x := 0; x < tiles.TileSize; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: scaleByte(tile.At(2, x, y), vmax),
				G: scaleByte(tile.At(1, x, y), vmax),
				B: scaleByte(tile.At(0, x, y), vmax),
				A: 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

func scaleByte(v, vmax float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= vmax {
		return 255
	}
	return uint8(v / vmax * 255)
}
