package parng

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/crc32"
)

// -----------------------------
// Test PNG writer
// -----------------------------

type testChunk struct {
	typ  string
	data []byte
}

type pngSpec struct {
	width, height int
	colorType     ColorType
	depth         uint8
	interlaced    bool

	// samples returns the samples of pixel (x, y) in the image's bit depth, one per
	// channel. Ignored when raw is set.
	samples func(x, y int) []uint16
	// filter picks the predictor of scanline y of lod. Defaults to cycling all five.
	filter func(lod LevelOfDetail, y int) Predictor
	// raw replaces the filtered scanline stream.
	raw []byte

	palette []byte
	trns    []byte
	// extra chunks are written between IHDR and PLTE.
	extra []testChunk
	// idatSize splits the compressed stream into IDAT chunks of this size.
	idatSize int
	// mangle rewrites the compressed stream before it is split into IDAT chunks.
	mangle func([]byte) []byte
}

func (s pngSpec) metadata() Metadata {
	m := Metadata{
		Dimensions: Dimensions{Width: uint32(s.width), Height: uint32(s.height)},
		ColorType:  s.colorType,
		BitDepth:   s.depth,
		ColorDepth: s.depth * uint8(s.colorType.Channels()),
	}
	if s.interlaced {
		m.InterlaceMethod = InterlaceMethodAdam7
	}
	return m
}

func (s pngSpec) predictor(lod LevelOfDetail, y int) Predictor {
	if s.filter != nil {
		return s.filter(lod, y)
	}
	return Predictor((int(lod) + 1 + y) % 5)
}

// rawStream builds the filtered scanlines with their tag bytes.
func (s pngSpec) rawStream() []byte {
	if s.raw != nil {
		return s.raw
	}

	m := s.metadata()
	var out bytes.Buffer
	for _, lod := range levelsOfDetail(m) {
		p := lod.pass()
		w := int(lod.Width(m.Width))
		h := int(lod.Height(m.Height))

		var prev []byte
		for j := 0; j < h; j++ {
			y := int(p.yStart) + j*int(p.yStep)
			row := packRow(m, w, func(i int) []uint16 {
				return s.samples(int(p.xStart)+i*int(p.xStep), y)
			})
			f := s.predictor(lod, j)
			out.WriteByte(byte(f))
			out.Write(filterRow(f, row, prev, m.BytesPerPixel()))
			prev = row
		}
	}
	return out.Bytes()
}

func packRow(m Metadata, width int, px func(i int) []uint16) []byte {
	row := make([]byte, m.ScanlineBytes(uint32(width)))
	ch := m.ColorType.Channels()
	for i := 0; i < width; i++ {
		for c, v := range px(i) {
			switch m.BitDepth {
			case 16:
				binary.BigEndian.PutUint16(row[(i*ch+c)*2:], v)
			case 8:
				row[i*ch+c] = byte(v)
			default:
				d := int(m.BitDepth)
				bit := i * d
				row[bit/8] |= byte(v) << (8 - d - bit%8)
			}
		}
	}
	return row
}

// filterRow applies predictor f to an unfiltered scanline; prev nil reads as zeros.
func filterRow(f Predictor, cur, prev []byte, bpp int) []byte {
	out := make([]byte, len(cur))
	for i := range cur {
		var a, b, c byte
		if i >= bpp {
			a = cur[i-bpp]
		}
		if prev != nil {
			b = prev[i]
			if i >= bpp {
				c = prev[i-bpp]
			}
		}
		switch f {
		case PredictorNone:
			out[i] = cur[i]
		case PredictorLeft:
			out[i] = cur[i] - a
		case PredictorUp:
			out[i] = cur[i] - b
		case PredictorAverage:
			out[i] = cur[i] - byte((int(a)+int(b))/2)
		case PredictorPaeth:
			out[i] = cur[i] - paeth(a, b, c)
		}
	}
	return out
}

func writeChunk(w *bytes.Buffer, typ string, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	w.Write(n[:])

	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	w.WriteString(typ)
	w.Write(data)

	binary.BigEndian.PutUint32(n[:], crc.Sum32())
	w.Write(n[:])
}

func encodePNG(t testing.TB, s pngSpec) []byte {
	t.Helper()

	var z bytes.Buffer
	zw, err := zlib.NewWriterLevel(&z, zlib.BestCompression)
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	if _, err := zw.Write(s.rawStream()); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	compressed := z.Bytes()
	if s.mangle != nil {
		compressed = s.mangle(compressed)
	}

	var out bytes.Buffer
	out.WriteString(pngSignature)

	ihdr := make([]byte, ihdrLength)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(s.width))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(s.height))
	ihdr[8] = s.depth
	ihdr[9] = byte(s.colorType)
	if s.interlaced {
		ihdr[12] = 1
	}
	writeChunk(&out, "IHDR", ihdr)

	for _, c := range s.extra {
		writeChunk(&out, c.typ, c.data)
	}
	if s.palette != nil {
		writeChunk(&out, "PLTE", s.palette)
	}
	if s.trns != nil {
		writeChunk(&out, "tRNS", s.trns)
	}

	size := s.idatSize
	if size <= 0 {
		size = len(compressed)
	}
	for len(compressed) > 0 {
		n := min(size, len(compressed))
		writeChunk(&out, "IDAT", compressed[:n])
		compressed = compressed[n:]
	}
	writeChunk(&out, "IEND", nil)
	return out.Bytes()
}

// -----------------------------
// Synthetic images
// -----------------------------

// gradientSamples is a deterministic pattern that exercises every filter. Alpha
// stays opaque when opaque is set.
func gradientSamples(ct ColorType, depth uint8, opaque bool) func(x, y int) []uint16 {
	maxValue := uint32(1)<<depth - 1
	ch := ct.Channels()
	return func(x, y int) []uint16 {
		v := make([]uint16, ch)
		for c := range v {
			s := uint32((x*17)^(y*31)) + uint32((x+y)*43*(c+1)) + uint32(x*y*7)
			if depth == 16 {
				s = s*257 + uint32(c)*4099
			}
			v[c] = uint16(s & maxValue)
		}
		if opaque && (ct == ColorTypeGrayscaleAlpha || ct == ColorTypeRGBAlpha) {
			v[ch-1] = uint16(maxValue)
		}
		return v
	}
}

func indexSamples(entries int) func(x, y int) []uint16 {
	return func(x, y int) []uint16 {
		return []uint16{uint16((x + 3*y) % entries)}
	}
}

func testPalette(entries int) []byte {
	p := make([]byte, 3*entries)
	for i := 0; i < entries; i++ {
		p[3*i] = byte(i * 37)
		p[3*i+1] = byte(255 - i*11)
		p[3*i+2] = byte(i * i)
	}
	return p
}

// expectedNRGBA renders s.samples the way the decoder reports them.
func expectedNRGBA(s pngSpec) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
	to8 := func(v uint16) uint8 {
		switch s.depth {
		case 16:
			return uint8(v >> 8)
		case 8:
			return uint8(v)
		default:
			maxValue := uint32(1)<<s.depth - 1
			return uint8(uint32(v) * 255 / maxValue)
		}
	}

	var key []uint8
	switch {
	case s.trns != nil && s.colorType == ColorTypeGrayscale:
		key = []uint8{to8(binary.BigEndian.Uint16(s.trns))}
	case s.trns != nil && s.colorType == ColorTypeRGB:
		key = []uint8{
			to8(binary.BigEndian.Uint16(s.trns[0:])),
			to8(binary.BigEndian.Uint16(s.trns[2:])),
			to8(binary.BigEndian.Uint16(s.trns[4:])),
		}
	}

	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			v := s.samples(x, y)
			var c color.NRGBA
			switch s.colorType {
			case ColorTypeGrayscale:
				g := to8(v[0])
				c = color.NRGBA{g, g, g, 0xff}
				if key != nil && g == key[0] {
					c.A = 0
				}
			case ColorTypeGrayscaleAlpha:
				g := to8(v[0])
				c = color.NRGBA{g, g, g, to8(v[1])}
			case ColorTypeRGB:
				c = color.NRGBA{to8(v[0]), to8(v[1]), to8(v[2]), 0xff}
				if key != nil && c.R == key[0] && c.G == key[1] && c.B == key[2] {
					c.A = 0
				}
			case ColorTypeRGBAlpha:
				c = color.NRGBA{to8(v[0]), to8(v[1]), to8(v[2]), to8(v[3])}
			case ColorTypeIndexed:
				i := int(v[0])
				c = color.NRGBA{s.palette[3*i], s.palette[3*i+1], s.palette[3*i+2], 0xff}
				if i < len(s.trns) {
					c.A = s.trns[i]
				}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// rowsOf flattens any image to NRGBA rows so images with different strides and
// types compare with cmp.Diff.
func rowsOf(img image.Image) [][]uint8 {
	b := img.Bounds()
	rows := make([][]uint8, b.Dy())
	for y := range rows {
		row := make([]uint8, 0, 4*b.Dx())
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, b.Min.Y+y)).(color.NRGBA)
			row = append(row, c.R, c.G, c.B, c.A)
		}
		rows[y] = row
	}
	return rows
}

// -----------------------------
// Feeding helpers
// -----------------------------

// growingReader serves data[:avail] and reports io.EOF past it, like a network
// buffer that has not received the rest yet.
type growingReader struct {
	data  []byte
	avail int
	off   int
}

func (r *growingReader) Read(p []byte) (int, error) {
	if r.off >= r.avail {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:r.avail])
	r.off += n
	return n, nil
}

// decodeInParts makes data available up to each cut in turn, calling AddData after
// every step, and returns the decoded image.
func decodeInParts(t testing.TB, data []byte, cuts []int, opts ...Option) (*image.NRGBA, error) {
	t.Helper()

	l := NewImageLoader(opts...)
	defer l.Close()

	r := &growingReader{data: data}
	var p *MemoryDataProvider
	for _, cut := range append(cuts, len(data)) {
		r.avail = cut
		for {
			progress, err := l.AddData(r)
			if err != nil {
				return nil, err
			}
			if progress == LoadProgressNeedDataProviderAndMoreData && p == nil {
				m, _ := l.Metadata()
				p = NewMemoryDataProvider(m)
				l.SetDataProvider(p)
				continue
			}
			if progress == LoadProgressFinished {
				if err := l.WaitUntilFinished(); err != nil {
					return nil, err
				}
				return p.Image(), nil
			}
			break
		}
	}
	return nil, io.ErrUnexpectedEOF
}

// -----------------------------
// Recording provider
// -----------------------------

type providerEvent struct {
	Op        string
	Reference int
	Scanline  int
	LOD       LevelOfDetail
}

// recordingProvider logs every callback on top of a MemoryDataProvider.
type recordingProvider struct {
	*MemoryDataProvider

	mu     sync.Mutex
	events []providerEvent
}

func newRecordingProvider(m Metadata) *recordingProvider {
	return &recordingProvider{MemoryDataProvider: NewMemoryDataProvider(m)}
}

func (p *recordingProvider) record(e providerEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingProvider) Events() []providerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerEvent(nil), p.events...)
}

func (p *recordingProvider) FetchScanlinesForPrediction(reference, current int, lod LevelOfDetail, indexed bool) ScanlinesForPrediction {
	p.record(providerEvent{Op: "fetch-predict", Reference: reference, Scanline: current, LOD: lod})
	return p.MemoryDataProvider.FetchScanlinesForPrediction(reference, current, lod, indexed)
}

func (p *recordingProvider) PredictionCompleteForScanline(scanline int, lod LevelOfDetail) {
	p.record(providerEvent{Op: "predicted", Scanline: scanline, LOD: lod})
	p.MemoryDataProvider.PredictionCompleteForScanline(scanline, lod)
}

func (p *recordingProvider) FetchScanlinesForRGBAConversion(scanline int, lod LevelOfDetail, indexed bool) ScanlinesForRGBAConversion {
	p.record(providerEvent{Op: "fetch-convert", Scanline: scanline, LOD: lod})
	return p.MemoryDataProvider.FetchScanlinesForRGBAConversion(scanline, lod, indexed)
}

func (p *recordingProvider) RGBAConversionCompleteForScanline(scanline int, lod LevelOfDetail) {
	p.record(providerEvent{Op: "converted", Scanline: scanline, LOD: lod})
	p.MemoryDataProvider.RGBAConversionCompleteForScanline(scanline, lod)
}

func (p *recordingProvider) Finished() {
	p.record(providerEvent{Op: "finished"})
	p.MemoryDataProvider.Finished()
}

// decodeWith feeds the whole of data to a loader backed by provider(m).
func decodeWith[P DataProvider](t testing.TB, data []byte, provider func(Metadata) P, opts ...Option) (P, error) {
	t.Helper()

	var p P
	l := NewImageLoader(opts...)
	defer l.Close()

	r := bytes.NewReader(data)
	for {
		progress, err := l.AddData(r)
		if err != nil {
			return p, err
		}
		switch progress {
		case LoadProgressNeedDataProviderAndMoreData:
			m, _ := l.Metadata()
			p = provider(m)
			l.SetDataProvider(p)
		case LoadProgressNeedMoreData:
			return p, io.ErrUnexpectedEOF
		case LoadProgressFinished:
			return p, l.WaitUntilFinished()
		}
	}
}
