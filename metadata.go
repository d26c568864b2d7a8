package parng

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// ColorType is the PNG colour type as stored in the IHDR chunk.
type ColorType uint8

const (
	ColorTypeGrayscale      ColorType = 0
	ColorTypeRGB            ColorType = 2
	ColorTypeIndexed        ColorType = 3
	ColorTypeGrayscaleAlpha ColorType = 4
	ColorTypeRGBAlpha       ColorType = 6
)

func (c ColorType) String() string {
	switch c {
	case ColorTypeGrayscale:
		return "grayscale"
	case ColorTypeRGB:
		return "rgb"
	case ColorTypeIndexed:
		return "indexed"
	case ColorTypeGrayscaleAlpha:
		return "grayscale+alpha"
	case ColorTypeRGBAlpha:
		return "rgb+alpha"
	default:
		return fmt.Sprintf("ColorType(%d)", uint8(c))
	}
}

// Channels returns the number of samples per pixel.
func (c ColorType) Channels() int {
	switch c {
	case ColorTypeGrayscaleAlpha:
		return 2
	case ColorTypeRGB:
		return 3
	case ColorTypeRGBAlpha:
		return 4
	default:
		return 1
	}
}

// allowed bit depths per colour type
var bitDepthsForColorType = map[ColorType][]uint8{
	ColorTypeGrayscale:      {1, 2, 4, 8, 16},
	ColorTypeRGB:            {8, 16},
	ColorTypeIndexed:        {1, 2, 4, 8},
	ColorTypeGrayscaleAlpha: {8, 16},
	ColorTypeRGBAlpha:       {8, 16},
}

// CompressionMethod is the IHDR compression method. Only deflate is defined.
type CompressionMethod uint8

const CompressionMethodDeflate CompressionMethod = 0

// FilterMethod is the IHDR filter method. Only adaptive filtering with the five
// basic predictors is defined.
type FilterMethod uint8

const FilterMethodAdaptive FilterMethod = 0

// InterlaceMethod is the IHDR interlace method.
type InterlaceMethod uint8

const (
	InterlaceMethodNone  InterlaceMethod = 0
	InterlaceMethodAdam7 InterlaceMethod = 1
)

func (m InterlaceMethod) String() string {
	switch m {
	case InterlaceMethodNone:
		return "none"
	case InterlaceMethodAdam7:
		return "adam7"
	default:
		return fmt.Sprintf("InterlaceMethod(%d)", uint8(m))
	}
}

// Dimensions is the image size in pixels.
type Dimensions struct {
	Width  uint32
	Height uint32
}

// Metadata is the content of the IHDR chunk. It is immutable once parsed.
type Metadata struct {
	Dimensions
	ColorType ColorType
	// BitDepth is the number of bits per sample.
	BitDepth uint8
	// ColorDepth is the number of bits per pixel (BitDepth times the channel count).
	ColorDepth        uint8
	CompressionMethod CompressionMethod
	FilterMethod      FilterMethod
	InterlaceMethod   InterlaceMethod
}

const ihdrLength = 13

// maxDimension is the largest width or height PNG allows (2^31-1).
const maxDimension = 1<<31 - 1

// ParseMetadata validates and decodes the 13 data bytes of an IHDR chunk.
func ParseMetadata(ihdr []byte) (Metadata, error) {
	if len(ihdr) != ihdrLength {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "bad IHDR length %d", len(ihdr))
	}

	m := Metadata{
		Dimensions: Dimensions{
			Width:  binary.BigEndian.Uint32(ihdr[0:4]),
			Height: binary.BigEndian.Uint32(ihdr[4:8]),
		},
		BitDepth:          ihdr[8],
		ColorType:         ColorType(ihdr[9]),
		CompressionMethod: CompressionMethod(ihdr[10]),
		FilterMethod:      FilterMethod(ihdr[11]),
		InterlaceMethod:   InterlaceMethod(ihdr[12]),
	}

	if m.Width == 0 || m.Height == 0 {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "zero dimension %dx%d", m.Width, m.Height)
	}
	if m.Width > maxDimension || m.Height > maxDimension {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "dimension overflow %dx%d", m.Width, m.Height)
	}

	depths, ok := bitDepthsForColorType[m.ColorType]
	if !ok {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "invalid color type: %d", ihdr[9])
	}
	valid := false
	for _, d := range depths {
		if d == m.BitDepth {
			valid = true
			break
		}
	}
	if !valid {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "invalid bit depth %d for color type %s", m.BitDepth, m.ColorType)
	}
	m.ColorDepth = m.BitDepth * uint8(m.ColorType.Channels())

	if m.CompressionMethod != CompressionMethodDeflate {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "invalid compression method: %d", ihdr[10])
	}
	if m.FilterMethod != FilterMethodAdaptive {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "invalid filter method: %d", ihdr[11])
	}
	if m.InterlaceMethod != InterlaceMethodNone && m.InterlaceMethod != InterlaceMethodAdam7 {
		return Metadata{}, newError(ErrorKindInvalidMetadata, "invalid interlace method: %d", ihdr[12])
	}

	return m, nil
}

// Indexed reports whether pixels are palette indices.
func (m Metadata) Indexed() bool {
	return m.ColorType == ColorTypeIndexed
}

// BytesPerPixel is the filter unit: the number of whole bytes per pixel, at least 1.
func (m Metadata) BytesPerPixel() int {
	return max(int(m.ColorDepth)/8, 1)
}

// ScanlineBytes is the packed length of a scanline of width pixels, without the
// filter tag byte.
func (m Metadata) ScanlineBytes(width uint32) int {
	return (int(width)*int(m.ColorDepth) + 7) / 8
}

// MemoryBytes is the size of the largest allocation decoding m needs: the
// RGBA buffer of a MemoryDataProvider (rows padded to RecommendedStride) or the
// worker's raw scanline, whichever is larger. ok is false when that size does not
// fit in an int.
func (m Metadata) MemoryBytes() (n int64, ok bool) {
	stride := (uint64(m.Width)*4 + strideAlignment - 1) &^ (strideAlignment - 1)
	hi, lo := bits.Mul64(stride, uint64(m.Height))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	raw := 1 + (uint64(m.Width)*uint64(m.ColorDepth)+7)/8
	if raw > math.MaxInt {
		return 0, false
	}
	return int64(max(lo, raw)), true
}

// NeedsConversion reports whether the RGBA conversion stage runs. Only 8- and 16-bit
// RGBA images skip it.
func (m Metadata) NeedsConversion() bool {
	return m.ColorType != ColorTypeRGBAlpha
}

// packed reports whether the samples do not map one byte to one channel slot
// (sub-byte and 16-bit images).
func (m Metadata) packed() bool {
	return m.BitDepth != 8
}

// bufferColorDepth is the bits per pixel of the provider scanlines the predictor writes.
func (m Metadata) bufferColorDepth() uint8 {
	if m.Indexed() {
		return 8
	}
	return 32
}

// channelSlots maps each sample of a pixel to its byte inside the destination pixel.
func (m Metadata) channelSlots() []int {
	switch m.ColorType {
	case ColorTypeGrayscaleAlpha:
		return []int{0, 3}
	case ColorTypeRGB:
		return []int{0, 1, 2}
	case ColorTypeRGBAlpha:
		return []int{0, 1, 2, 3}
	default:
		return []int{0}
	}
}
