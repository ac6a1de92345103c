// Package raster reads and writes multi-band TIFF tiles.
//
// The satellite tiles this project consumes are plain striped TIFFs
// with one float32 (or integer) sample per band and no georeferencing
// dependency, so a small purpose-built codec is enough: the decoder
// handles little/big endian files, chunky and planar layout,
// uncompressed and deflate-compressed strips, and
// uint8/16/32, int8/16/32, float32/64 samples, exposing every band as
// a row-major float32 plane. Tiled TIFF organization, palettes and
// prediction filters are not supported and produce a decode error.
package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Image is a decoded raster: one float32 plane per band, each of
// length Width*Height in row-major order.
type Image struct {
	Width  int
	Height int
	Bands  [][]float32
}

// At returns the sample of band b at pixel (x, y).
func (img *Image) At(b, x, y int) float32 {
	return img.Bands[b][y*img.Width+x]
}

// TIFF tag and type constants, limited to what the codec needs.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagTileWidth       = 322
	tagSampleFormat    = 339

	typeByte  = 1
	typeShort = 3
	typeLong  = 4

	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	planarChunky = 1
	planarPlanar = 2

	formatUint  = 1
	formatInt   = 2
	formatFloat = 3
)

type ifdEntry struct {
	tag      uint16
	fieldTyp uint16
	count    uint32
	raw      [4]byte // inline value bytes
}

// Decode parses a TIFF from data.
func Decode(data []byte) (*Image, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("truncated TIFF header")
	}
	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file: bad byte-order mark %q", data[:2])
	}
	if order.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("not a TIFF file: bad magic")
	}

	ifdOffset := order.Uint32(data[4:8])
	entries, err := readIFD(data, order, ifdOffset)
	if err != nil {
		return nil, err
	}

	d := &decoder{data: data, order: order, entries: entries}
	return d.decode()
}

// ReadFile decodes the TIFF at path.
func ReadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func readIFD(data []byte, order binary.ByteOrder, offset uint32) (map[uint16]ifdEntry, error) {
	if int64(offset)+2 > int64(len(data)) {
		return nil, fmt.Errorf("IFD offset %d out of bounds", offset)
	}
	n := int(order.Uint16(data[offset : offset+2]))
	base := int(offset) + 2
	if base+n*12+4 > len(data) {
		return nil, fmt.Errorf("truncated IFD")
	}
	entries := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := data[base+i*12 : base+(i+1)*12]
		entry := ifdEntry{
			tag:      order.Uint16(e[0:2]),
			fieldTyp: order.Uint16(e[2:4]),
			count:    order.Uint32(e[4:8]),
		}
		copy(entry.raw[:], e[8:12])
		entries[entry.tag] = entry
	}
	return entries, nil
}

type decoder struct {
	data    []byte
	order   binary.ByteOrder
	entries map[uint16]ifdEntry
}

func typeSize(fieldTyp uint16) int {
	switch fieldTyp {
	case typeByte:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	default:
		return 0
	}
}

// fieldValues returns the integer values of a BYTE/SHORT/LONG field,
// resolving the inline-versus-offset storage rule.
func (d *decoder) fieldValues(e ifdEntry) ([]uint32, error) {
	sz := typeSize(e.fieldTyp)
	if sz == 0 {
		return nil, fmt.Errorf("unsupported field type %d for tag %d", e.fieldTyp, e.tag)
	}
	total := sz * int(e.count)
	var raw []byte
	if total <= 4 {
		raw = e.raw[:total]
	} else {
		off := int(d.order.Uint32(e.raw[:]))
		if off+total > len(d.data) {
			return nil, fmt.Errorf("field for tag %d out of bounds", e.tag)
		}
		raw = d.data[off : off+total]
	}
	out := make([]uint32, e.count)
	for i := range out {
		switch sz {
		case 1:
			out[i] = uint32(raw[i])
		case 2:
			out[i] = uint32(d.order.Uint16(raw[i*2:]))
		case 4:
			out[i] = d.order.Uint32(raw[i*4:])
		}
	}
	return out, nil
}

func (d *decoder) scalar(tag uint16, def uint32) (uint32, error) {
	e, ok := d.entries[tag]
	if !ok {
		return def, nil
	}
	vals, err := d.fieldValues(e)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return def, nil
	}
	return vals[0], nil
}

func (d *decoder) required(tag uint16, name string) (uint32, error) {
	if _, ok := d.entries[tag]; !ok {
		return 0, fmt.Errorf("missing required tag %s", name)
	}
	return d.scalar(tag, 0)
}

func (d *decoder) decode() (*Image, error) {
	if _, tiled := d.entries[tagTileWidth]; tiled {
		return nil, fmt.Errorf("tiled TIFF organization not supported")
	}

	width, err := d.required(tagImageWidth, "ImageWidth")
	if err != nil {
		return nil, err
	}
	height, err := d.required(tagImageLength, "ImageLength")
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("degenerate image dimensions %dx%d", width, height)
	}

	samples, err := d.scalar(tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	bits, err := d.uniformPerSample(tagBitsPerSample, int(samples), 1)
	if err != nil {
		return nil, err
	}
	format, err := d.uniformPerSample(tagSampleFormat, int(samples), formatUint)
	if err != nil {
		return nil, err
	}
	compression, err := d.scalar(tagCompression, compressionNone)
	if err != nil {
		return nil, err
	}
	planar, err := d.scalar(tagPlanarConfig, planarChunky)
	if err != nil {
		return nil, err
	}
	rowsPerStrip, err := d.scalar(tagRowsPerStrip, height)
	if err != nil {
		return nil, err
	}
	if rowsPerStrip == 0 || rowsPerStrip > height {
		rowsPerStrip = height
	}

	offsetsEntry, ok := d.entries[tagStripOffsets]
	if !ok {
		return nil, fmt.Errorf("missing required tag StripOffsets")
	}
	offsets, err := d.fieldValues(offsetsEntry)
	if err != nil {
		return nil, err
	}
	countsEntry, ok := d.entries[tagStripByteCounts]
	if !ok {
		return nil, fmt.Errorf("missing required tag StripByteCounts")
	}
	counts, err := d.fieldValues(countsEntry)
	if err != nil {
		return nil, err
	}
	if len(offsets) != len(counts) {
		return nil, fmt.Errorf("StripOffsets/StripByteCounts length mismatch: %d vs %d", len(offsets), len(counts))
	}

	stripsPerPlane := int((height + rowsPerStrip - 1) / rowsPerStrip)
	wantStrips := stripsPerPlane
	if planar == planarPlanar {
		wantStrips = stripsPerPlane * int(samples)
	}
	if len(offsets) != wantStrips {
		return nil, fmt.Errorf("expected %d strips, found %d", wantStrips, len(offsets))
	}

	img := &Image{Width: int(width), Height: int(height)}
	img.Bands = make([][]float32, samples)
	for b := range img.Bands {
		img.Bands[b] = make([]float32, width*height)
	}

	for s := range offsets {
		strip, err := d.stripData(offsets[s], counts[s], compression)
		if err != nil {
			return nil, fmt.Errorf("strip %d: %w", s, err)
		}
		if planar == planarPlanar {
			band := s / stripsPerPlane
			firstRow := (s % stripsPerPlane) * int(rowsPerStrip)
			err = d.fillPlanar(img, band, firstRow, int(rowsPerStrip), strip, bits, format)
		} else {
			firstRow := s * int(rowsPerStrip)
			err = d.fillChunky(img, firstRow, int(rowsPerStrip), strip, bits, format)
		}
		if err != nil {
			return nil, fmt.Errorf("strip %d: %w", s, err)
		}
	}
	return img, nil
}

// uniformPerSample reads a per-sample field and requires every sample
// to share one value.
func (d *decoder) uniformPerSample(tag uint16, samples int, def uint32) (uint32, error) {
	e, ok := d.entries[tag]
	if !ok {
		return def, nil
	}
	vals, err := d.fieldValues(e)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return def, nil
	}
	if len(vals) != 1 && len(vals) != samples {
		return 0, fmt.Errorf("tag %d has %d values for %d samples", tag, len(vals), samples)
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return 0, fmt.Errorf("heterogeneous per-sample values for tag %d not supported", tag)
		}
	}
	return vals[0], nil
}

func (d *decoder) stripData(offset, count, compression uint32) ([]byte, error) {
	if int64(offset)+int64(count) > int64(len(d.data)) {
		return nil, fmt.Errorf("strip data out of bounds")
	}
	raw := d.data[offset : offset+count]
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open deflate strip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate strip: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression scheme %d", compression)
	}
}

func (d *decoder) fillPlanar(img *Image, band, firstRow, rowsPerStrip int, strip []byte, bits, format uint32) error {
	if band >= len(img.Bands) {
		return fmt.Errorf("band index %d out of range", band)
	}
	rows := min(rowsPerStrip, img.Height-firstRow)
	want := rows * img.Width * int(bits) / 8
	if len(strip) < want {
		return fmt.Errorf("short strip: %d bytes, want %d", len(strip), want)
	}
	step := int(bits) / 8
	pos := 0
	for i := 0; i < rows*img.Width; i++ {
		v, err := d.sample(strip[pos:pos+step], bits, format)
		if err != nil {
			return err
		}
		img.Bands[band][firstRow*img.Width+i] = v
		pos += step
	}
	return nil
}

func (d *decoder) fillChunky(img *Image, firstRow, rowsPerStrip int, strip []byte, bits, format uint32) error {
	samples := len(img.Bands)
	rows := min(rowsPerStrip, img.Height-firstRow)
	step := int(bits) / 8
	want := rows * img.Width * samples * step
	if len(strip) < want {
		return fmt.Errorf("short strip: %d bytes, want %d", len(strip), want)
	}
	pos := 0
	for i := 0; i < rows*img.Width; i++ {
		for b := 0; b < samples; b++ {
			v, err := d.sample(strip[pos:pos+step], bits, format)
			if err != nil {
				return err
			}
			img.Bands[b][firstRow*img.Width+i] = v
			pos += step
		}
	}
	return nil
}

func (d *decoder) sample(raw []byte, bits, format uint32) (float32, error) {
	switch {
	case format == formatFloat && bits == 32:
		return math.Float32frombits(d.order.Uint32(raw)), nil
	case format == formatFloat && bits == 64:
		return float32(math.Float64frombits(d.order.Uint64(raw))), nil
	case format == formatUint && bits == 8:
		return float32(raw[0]), nil
	case format == formatUint && bits == 16:
		return float32(d.order.Uint16(raw)), nil
	case format == formatUint && bits == 32:
		return float32(d.order.Uint32(raw)), nil
	case format == formatInt && bits == 8:
		return float32(int8(raw[0])), nil
	case format == formatInt && bits == 16:
		return float32(int16(d.order.Uint16(raw))), nil
	case format == formatInt && bits == 32:
		return float32(int32(d.order.Uint32(raw))), nil
	default:
		return 0, fmt.Errorf("unsupported sample encoding: format %d, %d bits", format, bits)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
