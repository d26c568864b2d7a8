package parng

import (
	"encoding/binary"
	"hash"
	"io"
	"log/slog"
	"sync"

	"github.com/klauspost/crc32"
	"github.com/octohelm/x/logr"
)

const (
	pngSignature = "\x89PNG\r\n\x1a\n"

	// bufferSize is the size of each read issued by AddData.
	bufferSize = 16384

	maxPaletteEntries = 256
)

// LoadProgress tells the caller of AddData what the loader needs next.
type LoadProgress int

const (
	// LoadProgressNeedMoreData means the reader is drained and the image is not yet
	// complete.
	LoadProgressNeedMoreData LoadProgress = iota
	// LoadProgressNeedDataProviderAndMoreData means metadata is available and a
	// DataProvider must be set before image data can be decoded.
	LoadProgressNeedDataProviderAndMoreData
	// LoadProgressFinished means the whole stream, up to IEND, was consumed.
	LoadProgressFinished
)

func (p LoadProgress) String() string {
	switch p {
	case LoadProgressNeedMoreData:
		return "NeedMoreData"
	case LoadProgressNeedDataProviderAndMoreData:
		return "NeedDataProviderAndMoreData"
	case LoadProgressFinished:
		return "Finished"
	default:
		return "LoadProgress(?)"
	}
}

type loaderState int

const (
	stateSignature loaderState = iota
	stateChunkHeader
	stateChunkBody
	stateImageData
	stateSkipChunk
	stateChunkCRC
	stateFinished
	stateFailed
)

// ImageLoader decodes one PNG stream that arrives incrementally. Bytes are pushed
// in with AddData from a single goroutine; decoded scanlines are written into the
// storage of a DataProvider by a background worker started at the first IDAT chunk.
type ImageLoader struct {
	opts options
	log  logr.Logger

	state   loaderState
	buf     []byte
	pending []byte

	chunkType string
	chunkLeft uint32
	body      []byte
	crc       hash.Hash32
	verifyCRC bool

	metadata     Metadata
	hasMetadata  bool
	palette      []byte
	transparency Transparency
	seenIDAT     bool

	provider DataProvider
	worker   *worker

	mu         sync.Mutex
	failure    error
	result     error
	done       chan struct{}
	finishOnce sync.Once
}

// NewImageLoader returns a loader waiting for the PNG signature.
func NewImageLoader(opts ...Option) *ImageLoader {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ImageLoader{
		opts:  o,
		log:   o.logger,
		state: stateSignature,
		buf:   make([]byte, 0, 2*bufferSize),
		crc:   crc32.NewIEEE(),
		done:  make(chan struct{}),
	}
}

// AddData reads r until it is drained and consumes everything it gets. It returns
// as soon as metadata is available while no DataProvider is set, so the caller
// can size storage before image data arrives; feeding more data without a
// provider past that point fails with ErrNoDataProvider.
//
// A read returning (0, io.EOF) or (0, nil) means no more data for now and produces
// LoadProgressNeedMoreData; any other read error is returned as ErrIO. Errors are
// sticky: once AddData fails, every later call returns the same error.
func (l *ImageLoader) AddData(r io.Reader) (LoadProgress, error) {
	if err := l.stickyError(); err != nil {
		return LoadProgressNeedMoreData, err
	}

	for {
		progress, stop, err := l.process()
		if err != nil {
			return LoadProgressNeedMoreData, l.fail(err)
		}
		if stop {
			return progress, nil
		}

		if l.state == stateSkipChunk && len(l.pending) == 0 {
			if s, ok := r.(io.Seeker); ok {
				if err := l.seekPast(s); err != nil {
					return LoadProgressNeedMoreData, l.fail(err)
				}
				if l.chunkLeft == 0 {
					continue
				}
			}
		}

		n, err := l.fill(r)
		if err != nil && err != io.EOF {
			return LoadProgressNeedMoreData, l.fail(wrapError(ErrorKindIO, err, "read"))
		}
		if n == 0 {
			if err := l.stickyError(); err != nil {
				return LoadProgressNeedMoreData, err
			}
			return progress, nil
		}
	}
}

// SetDataProvider attaches the storage for decoded pixels. It must be called before
// the first IDAT chunk is fed; replacing the provider afterwards has no effect on
// the running decode.
func (l *ImageLoader) SetDataProvider(p DataProvider) {
	l.provider = p
}

// Metadata returns the parsed IHDR chunk once it has been seen.
func (l *ImageLoader) Metadata() (Metadata, bool) {
	return l.metadata, l.hasMetadata
}

// WaitUntilFinished blocks until the worker has delivered the last scanline (and
// called DataProvider.Finished) or the decode failed. It may be called any number
// of times. It never returns for a stream that stops arriving; Close such a
// loader instead.
func (l *ImageLoader) WaitUntilFinished() error {
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Close releases the worker. A decode still waiting for input ends with
// ErrClosed; one that has already seen IEND is allowed to finish first. Close is
// safe to call more than once and after completion.
func (l *ImageLoader) Close() error {
	closed := newError(ErrorKindClosed, "loader closed")
	if w := l.worker; w != nil {
		if l.state != stateFinished || l.stickyError() != nil {
			w.abortInput()
		}
		<-l.done
	} else {
		l.finish(closed)
	}

	l.mu.Lock()
	if l.failure == nil {
		l.failure = closed
	}
	l.mu.Unlock()
	l.state = stateFailed
	return nil
}

func (l *ImageLoader) stickyError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

// fail records a feed-side error. Once the worker runs, completion is left to it.
func (l *ImageLoader) fail(err error) error {
	l.mu.Lock()
	if l.failure == nil {
		l.failure = err
	}
	err = l.failure
	l.mu.Unlock()

	l.state = stateFailed
	l.log.Error(err)

	if l.worker != nil {
		l.worker.abortInput()
	} else {
		l.finish(err)
	}
	return err
}

func (l *ImageLoader) finish(err error) {
	l.finishOnce.Do(func() {
		l.mu.Lock()
		if l.failure != nil {
			err = l.failure
		} else if err != nil {
			l.failure = err
		}
		l.result = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *ImageLoader) needs() LoadProgress {
	if l.hasMetadata && l.provider == nil {
		return LoadProgressNeedDataProviderAndMoreData
	}
	return LoadProgressNeedMoreData
}

func (l *ImageLoader) fill(r io.Reader) (int, error) {
	if len(l.pending) == 0 {
		l.pending = l.buf[:0]
	}
	if cap(l.pending)-len(l.pending) < bufferSize {
		if len(l.pending)+bufferSize <= cap(l.buf) {
			l.pending = append(l.buf[:0], l.pending...)
		} else {
			grown := make([]byte, len(l.pending), len(l.pending)+2*bufferSize)
			copy(grown, l.pending)
			l.buf, l.pending = grown, grown
		}
	}
	n, err := r.Read(l.pending[len(l.pending) : len(l.pending)+bufferSize])
	l.pending = l.pending[:len(l.pending)+n]
	return n, err
}

func (l *ImageLoader) consume(n int) {
	l.pending = l.pending[n:]
}

// seekPast skips the rest of an ancillary chunk without reading it, as far as the
// seeker has data.
func (l *ImageLoader) seekPast(s io.Seeker) error {
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return wrapError(ErrorKindIO, err, "seek")
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return wrapError(ErrorKindIO, err, "seek")
	}
	skip := min(end-cur, int64(l.chunkLeft))
	if skip < 0 {
		skip = 0
	}
	if _, err := s.Seek(cur+skip, io.SeekStart); err != nil {
		return wrapError(ErrorKindIO, err, "seek")
	}
	l.chunkLeft -= uint32(skip)
	if l.chunkLeft == 0 {
		l.state = stateChunkCRC
	}
	return nil
}

// process advances the state machine over the pending bytes. stop is set when
// AddData must return progress without reading further.
func (l *ImageLoader) process() (progress LoadProgress, stop bool, err error) {
	for {
		switch l.state {
		case stateSignature:
			if len(l.pending) < len(pngSignature) {
				return l.needs(), false, nil
			}
			if string(l.pending[:len(pngSignature)]) != pngSignature {
				return 0, false, newError(ErrorKindInvalidMetadata, "not a PNG file")
			}
			l.consume(len(pngSignature))
			l.state = stateChunkHeader

		case stateChunkHeader:
			if len(l.pending) < 8 {
				return l.needs(), false, nil
			}
			length := binary.BigEndian.Uint32(l.pending[:4])
			typ := l.pending[4:8]
			if err := l.beginChunk(length, typ); err != nil {
				return 0, false, err
			}
			l.consume(8)

		case stateChunkBody:
			n := min(len(l.pending), int(l.chunkLeft))
			l.body = append(l.body, l.pending[:n]...)
			l.crc.Write(l.pending[:n])
			l.consume(n)
			l.chunkLeft -= uint32(n)
			if l.chunkLeft > 0 {
				return l.needs(), false, nil
			}
			if err := l.endChunk(); err != nil {
				return 0, false, err
			}
			l.state = stateChunkCRC

		case stateImageData:
			if l.chunkLeft == 0 {
				l.state = stateChunkCRC
				continue
			}
			if len(l.pending) == 0 {
				return l.needs(), false, nil
			}
			n := min(len(l.pending), int(l.chunkLeft))
			data := l.pending[:n]
			l.crc.Write(data)
			if err := l.send(data); err != nil {
				return 0, false, err
			}
			l.consume(n)
			l.chunkLeft -= uint32(n)

		case stateSkipChunk:
			n := min(len(l.pending), int(l.chunkLeft))
			l.consume(n)
			l.chunkLeft -= uint32(n)
			if l.chunkLeft > 0 {
				return l.needs(), false, nil
			}
			l.state = stateChunkCRC

		case stateChunkCRC:
			if len(l.pending) < 4 {
				return l.needs(), false, nil
			}
			if l.verifyCRC {
				if got, want := binary.BigEndian.Uint32(l.pending[:4]), l.crc.Sum32(); got != want {
					return 0, false, newError(ErrorKindInvalidData, "CRC mismatch in %s chunk: %08x != %08x", l.chunkType, got, want)
				}
			}
			l.consume(4)

			switch l.chunkType {
			case "IEND":
				l.worker.closeInput()
				l.state = stateFinished
				l.log.Debug("reached IEND")
				return LoadProgressFinished, true, nil
			case "IHDR":
				l.state = stateChunkHeader
				if l.provider == nil {
					return LoadProgressNeedDataProviderAndMoreData, true, nil
				}
			default:
				l.state = stateChunkHeader
			}

		case stateFinished:
			return LoadProgressFinished, true, nil

		default:
			return 0, false, newError(ErrorKindClosed, "loader is unusable")
		}
	}
}

func isCritical(typ string) bool {
	return typ[0]&0x20 == 0
}

func validChunkType(typ []byte) bool {
	for _, c := range typ {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

func (l *ImageLoader) beginChunk(length uint32, typBytes []byte) error {
	if length > maxDimension {
		return newError(ErrorKindInvalidData, "chunk length %d too large", length)
	}
	if !validChunkType(typBytes) {
		return newError(ErrorKindInvalidData, "invalid chunk type %q", typBytes)
	}
	typ := string(typBytes)

	l.chunkType = typ
	l.chunkLeft = length
	l.body = l.body[:0]
	l.crc.Reset()
	l.crc.Write(typBytes)
	l.verifyCRC = l.opts.checkCRC && isCritical(typ)

	l.log.WithValues(slog.String("chunk", typ), slog.Int64("length", int64(length))).Debug("chunk")

	if !l.hasMetadata && typ != "IHDR" {
		return newError(ErrorKindInvalidMetadata, "first chunk is %s, want IHDR", typ)
	}

	switch typ {
	case "IHDR":
		if l.hasMetadata {
			return newError(ErrorKindInvalidData, "duplicate IHDR chunk")
		}
		if length != ihdrLength {
			return newError(ErrorKindInvalidMetadata, "bad IHDR length %d", length)
		}
		l.state = stateChunkBody

	case "PLTE":
		if l.seenIDAT {
			return newError(ErrorKindInvalidData, "PLTE chunk after image data")
		}
		if length == 0 || length%3 != 0 || length/3 > maxPaletteEntries {
			return newError(ErrorKindInvalidMetadata, "bad PLTE length %d", length)
		}
		l.state = stateChunkBody

	case "tRNS":
		if l.seenIDAT {
			return newError(ErrorKindInvalidData, "tRNS chunk after image data")
		}
		switch l.metadata.ColorType {
		case ColorTypeGrayscaleAlpha, ColorTypeRGBAlpha:
			l.log.Debug("ignoring tRNS for image with alpha channel")
			l.state = stateSkipChunk
		default:
			l.state = stateChunkBody
		}

	case "IDAT":
		if !l.seenIDAT {
			if err := l.startWorker(); err != nil {
				return err
			}
			l.seenIDAT = true
		}
		l.state = stateImageData

	case "IEND":
		if !l.seenIDAT {
			return newError(ErrorKindInvalidData, "no image data before IEND")
		}
		if length != 0 {
			return newError(ErrorKindInvalidData, "bad IEND length %d", length)
		}
		l.state = stateChunkCRC

	default:
		if isCritical(typ) {
			return newError(ErrorKindInvalidData, "unsupported critical chunk %s", typ)
		}
		l.state = stateSkipChunk
	}
	return nil
}

func (l *ImageLoader) endChunk() error {
	switch l.chunkType {
	case "IHDR":
		m, err := ParseMetadata(l.body)
		if err != nil {
			return err
		}
		if err := checkImageSize(m, l.opts.maxBytes); err != nil {
			return err
		}
		l.metadata, l.hasMetadata = m, true
		l.log.WithValues(
			slog.Any("width", m.Width),
			slog.Any("height", m.Height),
			slog.String("color", m.ColorType.String()),
			slog.Int("depth", int(m.BitDepth)),
			slog.String("interlace", m.InterlaceMethod.String()),
		).Info("parsed metadata")

	case "PLTE":
		if l.metadata.Indexed() {
			if entries := len(l.body) / 3; entries > 1<<l.metadata.BitDepth {
				return newError(ErrorKindInvalidMetadata, "palette has %d entries for bit depth %d", entries, l.metadata.BitDepth)
			}
		}
		l.palette = append([]byte(nil), l.body...)

	case "tRNS":
		return l.parseTransparency(l.body)
	}
	return nil
}

func (l *ImageLoader) parseTransparency(b []byte) error {
	switch l.metadata.ColorType {
	case ColorTypeIndexed:
		if l.palette == nil {
			return newError(ErrorKindInvalidData, "tRNS chunk before PLTE")
		}
		if len(b) > len(l.palette)/3 {
			return newError(ErrorKindInvalidData, "tRNS has %d entries for a %d entry palette", len(b), len(l.palette)/3)
		}
		l.transparency.Alpha = append([]byte(nil), b...)
	case ColorTypeGrayscale:
		if len(b) != 2 {
			return newError(ErrorKindInvalidData, "bad tRNS length %d for grayscale", len(b))
		}
		g := binary.BigEndian.Uint16(b)
		l.transparency.Key = [3]uint16{g, g, g}
		l.transparency.HasKey = true
	case ColorTypeRGB:
		if len(b) != 6 {
			return newError(ErrorKindInvalidData, "bad tRNS length %d for rgb", len(b))
		}
		l.transparency.Key = [3]uint16{
			binary.BigEndian.Uint16(b[0:2]),
			binary.BigEndian.Uint16(b[2:4]),
			binary.BigEndian.Uint16(b[4:6]),
		}
		l.transparency.HasKey = true
	}
	return nil
}

func (l *ImageLoader) startWorker() error {
	if l.provider == nil {
		return newError(ErrorKindNoDataProvider, "image data reached without a data provider")
	}

	m := l.metadata
	if m.Indexed() && l.palette == nil {
		return newError(ErrorKindInvalidMetadata, "indexed image without PLTE chunk")
	}

	var conv *colorConverter
	if m.NeedsConversion() {
		conv = newColorConverter(m, l.palette, l.transparency)
	}

	w := newWorker(decodeJob{
		metadata:  m,
		provider:  l.provider,
		converter: conv,
		inflater:  l.opts.inflater,
		logger:    l.log,
	}, l.opts.queueDepth)
	l.worker = w

	go func() {
		err := w.run()
		if err != nil {
			l.log.Error(err)
		}
		l.finish(err)
	}()
	return nil
}

// send hands IDAT payload to the worker. Once the worker is done, further payload
// is dropped; its error, if any, is returned.
func (l *ImageLoader) send(data []byte) error {
	for len(data) > 0 {
		cb := chunkBufferPool.Get().(*chunkBuffer)
		n := min(len(data), cap(cb.b))
		cb.b = append(cb.b[:0], data[:n]...)

		select {
		case l.worker.chunks <- cb:
		case <-l.done:
			chunkBufferPool.Put(cb)
			l.mu.Lock()
			defer l.mu.Unlock()
			return l.result
		}
		data = data[n:]
	}
	return nil
}

func checkImageSize(m Metadata, limit int64) error {
	n, ok := m.MemoryBytes()
	if !ok {
		return newError(ErrorKindInvalidMetadata, "image %dx%d is too large to address", m.Width, m.Height)
	}
	if limit > 0 && n > limit {
		return newError(ErrorKindInvalidMetadata, "image %dx%d needs %d bytes, limit is %d", m.Width, m.Height, n, limit)
	}
	return nil
}
