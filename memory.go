package parng

import (
	"image"
	"sync/atomic"
)

// strideAlignment is the row alignment RecommendedStride rounds to.
const strideAlignment = 16

// RecommendedStride rounds a row length in bytes up so rows start on an alignment
// boundary suitable for vectorised access.
func RecommendedStride(minStride int) int {
	return (minStride + strideAlignment - 1) &^ (strideAlignment - 1)
}

// MemoryDataProvider decodes into a single in-memory RGBA buffer, plus an index
// buffer for palette images.
type MemoryDataProvider struct {
	metadata Metadata

	rgba       []byte
	rgbaStride int

	indexed       []byte
	indexedStride int

	lines    atomic.Int64
	finished atomic.Bool
}

// NewMemoryDataProvider allocates storage for an image described by m. Metadata
// handed out by an ImageLoader has passed its size limit; for other metadata check
// m.MemoryBytes first, since an unaddressable size panics here.
func NewMemoryDataProvider(m Metadata) *MemoryDataProvider {
	p := &MemoryDataProvider{
		metadata:   m,
		rgbaStride: RecommendedStride(int(m.Width) * 4),
	}
	p.rgba = make([]byte, p.rgbaStride*int(m.Height))
	if m.Indexed() {
		p.indexedStride = RecommendedStride(int(m.Width))
		p.indexed = make([]byte, p.indexedStride*int(m.Height))
	}
	return p
}

// scanline returns the part of row y of lod's final position, starting at the
// first pixel lod writes, and the pixel stride inside it.
func scanline(buf []byte, rowStride int, colorDepth uint8, y int, lod LevelOfDetail) ([]byte, int) {
	info := NewInterlacingInfo(uint32(y), colorDepth, lod)
	start := int(info.Y)*rowStride + info.Offset
	end := (int(info.Y) + 1) * rowStride
	return buf[start:end:end], info.Stride
}

func (p *MemoryDataProvider) FetchScanlinesForPrediction(reference, current int, lod LevelOfDetail, indexed bool) ScanlinesForPrediction {
	buf, rowStride, depth := p.rgba, p.rgbaStride, uint8(32)
	if indexed {
		buf, rowStride, depth = p.indexed, p.indexedStride, 8
	}

	cur, stride := scanline(buf, rowStride, depth, current, lod)
	s := ScanlinesForPrediction{CurrentScanline: cur, Stride: stride}
	if reference != NoReference {
		s.ReferenceScanline, _ = scanline(buf, rowStride, depth, reference, lod)
	}
	return s
}

func (p *MemoryDataProvider) PredictionCompleteForScanline(scanline int, lod LevelOfDetail) {
	if !p.metadata.NeedsConversion() {
		p.lines.Add(1)
	}
}

func (p *MemoryDataProvider) FetchScanlinesForRGBAConversion(y int, lod LevelOfDetail, indexed bool) ScanlinesForRGBAConversion {
	rgba, rgbaStride := scanline(p.rgba, p.rgbaStride, 32, y, lod)
	s := ScanlinesForRGBAConversion{RGBAScanline: rgba, RGBAStride: rgbaStride}
	if indexed {
		s.IndexedScanline, s.IndexedStride = scanline(p.indexed, p.indexedStride, 8, y, lod)
	}
	return s
}

func (p *MemoryDataProvider) RGBAConversionCompleteForScanline(scanline int, lod LevelOfDetail) {
	p.lines.Add(1)
}

func (p *MemoryDataProvider) Finished() {
	p.finished.Store(true)
}

// Scanlines is the number of scanlines, over all levels of detail, that are final.
// It is safe to call while decoding.
func (p *MemoryDataProvider) Scanlines() int {
	return int(p.lines.Load())
}

// Done reports whether the decoder delivered the whole image.
func (p *MemoryDataProvider) Done() bool {
	return p.finished.Load()
}

// Image wraps the RGBA buffer without copying. Read it after
// ImageLoader.WaitUntilFinished returns.
func (p *MemoryDataProvider) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    p.rgba,
		Stride: p.rgbaStride,
		Rect:   image.Rect(0, 0, int(p.metadata.Width), int(p.metadata.Height)),
	}
}

// Indices returns the palette index buffer of an indexed image and its row stride.
func (p *MemoryDataProvider) Indices() ([]byte, int) {
	return p.indexed, p.indexedStride
}
