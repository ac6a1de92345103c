package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Encode writes img as a little-endian planar float32 TIFF with one
// uncompressed strip per band. This is the layout the test fixtures
// and the prep tool produce; the decoder accepts much more.
func Encode(w io.Writer, img *Image) error {
	samples := len(img.Bands)
	if samples == 0 {
		return fmt.Errorf("image has no bands")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("degenerate image dimensions %dx%d", img.Width, img.Height)
	}
	plane := img.Width * img.Height
	for b, band := range img.Bands {
		if len(band) != plane {
			return fmt.Errorf("band %d has %d samples, want %d", b, len(band), plane)
		}
	}

	type field struct {
		tag      uint16
		fieldTyp uint16
		vals     []uint32
	}

	stripLen := uint32(plane * 4)
	// Offsets are laid out as: header, IFD, out-of-line arrays, strips.
	// Entry count is fixed, so everything is computable up front.
	fields := []field{
		{tagImageWidth, typeLong, []uint32{uint32(img.Width)}},
		{tagImageLength, typeLong, []uint32{uint32(img.Height)}},
		{tagBitsPerSample, typeShort, repeat(32, samples)},
		{tagCompression, typeShort, []uint32{compressionNone}},
		{tagPhotometric, typeShort, []uint32{1}}, // BlackIsZero
		{tagStripOffsets, typeLong, make([]uint32, samples)},
		{tagSamplesPerPixel, typeShort, []uint32{uint32(samples)}},
		{tagRowsPerStrip, typeLong, []uint32{uint32(img.Height)}},
		{tagStripByteCounts, typeLong, repeat(stripLen, samples)},
		{tagPlanarConfig, typeShort, []uint32{planarPlanar}},
		{tagSampleFormat, typeShort, repeat(formatFloat, samples)},
	}

	ifdSize := 2 + len(fields)*12 + 4
	overflowOff := uint32(8 + ifdSize)
	for _, f := range fields {
		if size := typeSize(f.fieldTyp) * len(f.vals); size > 4 {
			overflowOff += uint32(size)
		}
	}
	dataOff := overflowOff
	for i := 0; i < samples; i++ {
		fields[5].vals[i] = dataOff + uint32(i)*stripLen
	}

	le := binary.LittleEndian
	buf := make([]byte, 0, int(dataOff))
	buf = append(buf, 'I', 'I')
	buf = le.AppendUint16(buf, 42)
	buf = le.AppendUint32(buf, 8) // IFD follows the header

	buf = le.AppendUint16(buf, uint16(len(fields)))
	overflow := make([]byte, 0)
	overflowPos := uint32(8 + ifdSize)
	for _, f := range fields {
		buf = le.AppendUint16(buf, f.tag)
		buf = le.AppendUint16(buf, f.fieldTyp)
		buf = le.AppendUint32(buf, uint32(len(f.vals)))
		size := typeSize(f.fieldTyp) * len(f.vals)
		if size <= 4 {
			var inline [4]byte
			packValues(le, inline[:], f.fieldTyp, f.vals)
			buf = append(buf, inline[:]...)
		} else {
			buf = le.AppendUint32(buf, overflowPos)
			packed := make([]byte, size)
			packValues(le, packed, f.fieldTyp, f.vals)
			overflow = append(overflow, packed...)
			overflowPos += uint32(size)
		}
	}
	buf = le.AppendUint32(buf, 0) // no next IFD
	buf = append(buf, overflow...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write TIFF header: %w", err)
	}

	strip := make([]byte, stripLen)
	for _, band := range img.Bands {
		for i, v := range band {
			le.PutUint32(strip[i*4:], math.Float32bits(v))
		}
		if _, err := w.Write(strip); err != nil {
			return fmt.Errorf("failed to write strip: %w", err)
		}
	}
	return nil
}

// WriteFile encodes img to path.
func WriteFile(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func packValues(le binary.ByteOrder, dst []byte, fieldTyp uint16, vals []uint32) {
	for i, v := range vals {
		switch fieldTyp {
		case typeByte:
			dst[i] = byte(v)
		case typeShort:
			le.PutUint16(dst[i*2:], uint16(v))
		case typeLong:
			le.PutUint32(dst[i*4:], v)
		}
	}
}

func repeat(v uint32, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
