package parng

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/octohelm/x/logr"
	"github.com/pkg/errors"
)

var errAborted = errors.New("parng: input aborted")

// decodeJob is everything the worker needs, fixed when the first IDAT chunk is seen.
type decodeJob struct {
	metadata  Metadata
	provider  DataProvider
	converter *colorConverter
	inflater  Inflater
	logger    logr.Logger
}

// worker runs inflation, prediction, placement and conversion on its own goroutine
// and is the only caller of the DataProvider.
type worker struct {
	job decodeJob

	chunks    chan *chunkBuffer
	abort     chan struct{}
	inputOnce sync.Once
	abortOnce sync.Once
}

func newWorker(job decodeJob, queueDepth int) *worker {
	return &worker{
		job:    job,
		chunks: make(chan *chunkBuffer, queueDepth),
		abort:  make(chan struct{}),
	}
}

// closeInput marks the end of the compressed stream.
func (w *worker) closeInput() {
	w.inputOnce.Do(func() { close(w.chunks) })
}

// abortInput makes the worker stop at its next read.
func (w *worker) abortInput() {
	w.abortOnce.Do(func() { close(w.abort) })
}

func (w *worker) run() error {
	m := w.job.metadata
	l := w.job.logger

	zr, err := w.job.inflater(&chunkReader{chunks: w.chunks, abort: w.abort})
	if err != nil {
		return w.inflateError(err, "zlib header")
	}
	defer zr.Close()

	maxRow := m.ScanlineBytes(m.Width)
	raw := make([]byte, 1+maxRow)
	var prev []byte
	if m.packed() {
		prev = make([]byte, maxRow)
	}

	for _, lod := range levelsOfDetail(m) {
		width := int(lod.Width(m.Width))
		height := int(lod.Height(m.Height))
		rowBytes := m.ScanlineBytes(uint32(width))

		l.WithValues(
			slog.String("lod", lod.String()),
			slog.Int("width", width),
			slog.Int("height", height),
		).Debug("decoding level of detail")

		for y := 0; y < height; y++ {
			line := raw[:1+rowBytes]
			if _, err := io.ReadFull(zr, line); err != nil {
				return w.inflateError(err, fmt.Sprintf("%s scanline %d", lod, y))
			}

			predictor, err := PredictorFromByte(line[0])
			if err != nil {
				return err
			}
			if err := w.predict(predictor, line[1:], prev, y, lod, width); err != nil {
				return err
			}
			if w.job.converter != nil {
				if err := w.convert(y, lod, width); err != nil {
					return err
				}
			}
		}
	}

	w.job.provider.Finished()
	l.Info("decoded %dx%d %s image", m.Width, m.Height, m.ColorType)
	return nil
}

func (w *worker) predict(predictor Predictor, src, prev []byte, y int, lod LevelOfDetail, width int) error {
	m := w.job.metadata
	pixelBytes := int(m.bufferColorDepth()) / 8

	reference := NoReference
	if !m.packed() && y > 0 && predictor.needsReference() {
		reference = y - 1
	}

	s := w.job.provider.FetchScanlinesForPrediction(reference, y, lod, m.Indexed())
	if err := validateScanline("current", s.CurrentScanline, width, s.Stride, pixelBytes); err != nil {
		return err
	}

	if m.packed() {
		var above []byte
		if y > 0 {
			above = prev[:len(src)]
		}
		predictor.Unfilter(src, above, m.BytesPerPixel())
		placePacked(m, s.CurrentScanline, src, width, s.Stride)
		copy(prev, src)
	} else {
		var ref []byte
		if reference != NoReference {
			if err := validateScanline("reference", s.ReferenceScanline, width, s.Stride, pixelBytes); err != nil {
				return err
			}
			ref = s.ReferenceScanline
		}
		predictor.predictStrided(s.CurrentScanline, ref, src, width, s.Stride, m.channelSlots())
	}

	w.job.provider.PredictionCompleteForScanline(y, lod)
	return nil
}

func (w *worker) convert(y int, lod LevelOfDetail, width int) error {
	m := w.job.metadata

	s := w.job.provider.FetchScanlinesForRGBAConversion(y, lod, m.Indexed())
	if err := validateScanline("rgba", s.RGBAScanline, width, s.RGBAStride, 4); err != nil {
		return err
	}
	if m.Indexed() {
		if err := validateScanline("indexed", s.IndexedScanline, width, s.IndexedStride, 1); err != nil {
			return err
		}
	}
	if err := w.job.converter.convert(s, width); err != nil {
		return err
	}

	w.job.provider.RGBAConversionCompleteForScanline(y, lod)
	return nil
}

func (w *worker) inflateError(err error, where string) error {
	switch {
	case errors.Is(err, errAborted):
		return newError(ErrorKindClosed, "decode aborted at %s", where)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return newError(ErrorKindEntropyDecoding, "compressed data ended before %s", where)
	default:
		return wrapError(ErrorKindEntropyDecoding, err, where)
	}
}

// placePacked writes an unfiltered sub-byte or 16-bit scanline into provider storage.
// 16-bit samples keep their high byte; sub-byte grayscale is scaled to 8 bits and
// sub-byte indices are unpacked to one byte each.
func placePacked(m Metadata, dst, src []byte, width, stride int) {
	if m.BitDepth == 16 {
		slots := m.channelSlots()
		bpp := 2 * len(slots)
		for i := 0; i < width; i++ {
			s := src[i*bpp : i*bpp+bpp]
			o := i * stride
			for c, slot := range slots {
				dst[o+slot] = s[2*c]
			}
		}
		return
	}

	depth := int(m.BitDepth)
	perByte := 8 / depth
	mask := byte(1)<<depth - 1
	for i := 0; i < width; i++ {
		shift := 8 - depth*(i%perByte+1)
		v := (src[i/perByte] >> shift) & mask
		if !m.Indexed() {
			v = scaleSample(uint16(v), m.BitDepth)
		}
		dst[i*stride] = v
	}
}

// --- compressed input plumbing ---

type chunkBuffer struct {
	b []byte
}

var chunkBufferPool = sync.Pool{
	New: func() any {
		return &chunkBuffer{b: make([]byte, 0, bufferSize)}
	},
}

// chunkReader presents the IDAT payload handed over by AddData as one continuous
// stream.
type chunkReader struct {
	chunks <-chan *chunkBuffer
	abort  <-chan struct{}
	cur    *chunkBuffer
	off    int
}

func (r *chunkReader) next() error {
	if r.cur != nil {
		chunkBufferPool.Put(r.cur)
		r.cur = nil
	}

	select {
	case <-r.abort:
		return errAborted
	default:
	}

	select {
	case cb, ok := <-r.chunks:
		if !ok {
			return io.EOF
		}
		r.cur, r.off = cb, 0
		return nil
	case <-r.abort:
		return errAborted
	}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for r.cur == nil || r.off >= len(r.cur.b) {
		if err := r.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.cur.b[r.off:])
	r.off += n
	return n, nil
}

func (r *chunkReader) ReadByte() (byte, error) {
	for r.cur == nil || r.off >= len(r.cur.b) {
		if err := r.next(); err != nil {
			return 0, err
		}
	}
	b := r.cur.b[r.off]
	r.off++
	return b, nil
}
