package parng

import "fmt"

// LevelOfDetail selects an Adam7 pass (0..6, blurriest to sharpest) or
// LevelOfDetailNone for a non-interlaced image.
type LevelOfDetail int8

const LevelOfDetailNone LevelOfDetail = -1

// Adam7 returns the level of detail of the given Adam7 pass. It panics if pass is
// outside 0..6.
func Adam7(pass int) LevelOfDetail {
	if pass < 0 || pass >= len(adam7Passes) {
		panic(fmt.Sprintf("parng: unsupported Adam7 pass %d", pass))
	}
	return LevelOfDetail(pass)
}

// IsInterlaced reports whether lod is an Adam7 pass.
func (lod LevelOfDetail) IsInterlaced() bool {
	return lod >= 0
}

func (lod LevelOfDetail) String() string {
	if lod == LevelOfDetailNone {
		return "none"
	}
	return fmt.Sprintf("adam7(%d)", int8(lod))
}

type adam7Pass struct {
	xStart, xStep uint32
	yStart, yStep uint32
}

var adam7Passes = [7]adam7Pass{
	{xStart: 0, xStep: 8, yStart: 0, yStep: 8},
	{xStart: 4, xStep: 8, yStart: 0, yStep: 8},
	{xStart: 0, xStep: 4, yStart: 4, yStep: 8},
	{xStart: 2, xStep: 4, yStart: 0, yStep: 4},
	{xStart: 0, xStep: 2, yStart: 2, yStep: 4},
	{xStart: 1, xStep: 2, yStart: 0, yStep: 2},
	{xStart: 0, xStep: 1, yStart: 1, yStep: 2},
}

var noInterlacing = adam7Pass{xStart: 0, xStep: 1, yStart: 0, yStep: 1}

func (lod LevelOfDetail) pass() adam7Pass {
	if lod == LevelOfDetailNone {
		return noInterlacing
	}
	if lod < 0 || int(lod) >= len(adam7Passes) {
		panic(fmt.Sprintf("parng: unsupported level of detail %d", int8(lod)))
	}
	return adam7Passes[lod]
}

// Width returns the number of pixels per scanline of this level of detail for an
// image of the given width.
func (lod LevelOfDetail) Width(imageWidth uint32) uint32 {
	p := lod.pass()
	if imageWidth <= p.xStart {
		return 0
	}
	return (imageWidth - p.xStart + p.xStep - 1) / p.xStep
}

// Height returns the number of scanlines of this level of detail for an image of the
// given height.
func (lod LevelOfDetail) Height(imageHeight uint32) uint32 {
	p := lod.pass()
	if imageHeight <= p.yStart {
		return 0
	}
	return (imageHeight - p.yStart + p.yStep - 1) / p.yStep
}

// InterlacingInfo locates one scanline of a level of detail inside the final,
// deinterlaced image. Data providers use it so they do not have to hardcode the
// Adam7 grid.
type InterlacingInfo struct {
	// Y is the row of the scanline in the final image.
	Y uint32
	// Stride is the number of bytes between consecutive pixels of the scanline in
	// the final image.
	Stride int
	// Offset is the byte offset of the first pixel of the scanline within its row.
	Offset int
}

// NewInterlacingInfo describes scanline y of lod for a buffer with colorDepth bits
// per pixel (32 for RGBA storage, 8 for indexed storage).
func NewInterlacingInfo(y uint32, colorDepth uint8, lod LevelOfDetail) InterlacingInfo {
	p := lod.pass()
	bpp := int(colorDepth) / 8
	return InterlacingInfo{
		Y:      p.yStart + y*p.yStep,
		Stride: int(p.xStep) * bpp,
		Offset: int(p.xStart) * bpp,
	}
}

// levelsOfDetail lists the passes present in the stream, in decoding order. Empty
// Adam7 passes carry no data and are left out.
func levelsOfDetail(m Metadata) []LevelOfDetail {
	if m.InterlaceMethod != InterlaceMethodAdam7 {
		return []LevelOfDetail{LevelOfDetailNone}
	}
	lods := make([]LevelOfDetail, 0, len(adam7Passes))
	for i := range adam7Passes {
		lod := LevelOfDetail(i)
		if lod.Width(m.Width) == 0 || lod.Height(m.Height) == 0 {
			continue
		}
		lods = append(lods, lod)
	}
	return lods
}
