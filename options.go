package parng

import (
	"context"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/octohelm/x/logr"
)

// Inflater opens a decompressing reader over the concatenated IDAT payload.
type Inflater func(r io.Reader) (io.ReadCloser, error)

type options struct {
	logger     logr.Logger
	queueDepth int
	checkCRC   bool
	maxBytes   int64
	inflater   Inflater
}

// defaultMaxImageBytes bounds MemoryBytes for images the loader accepts.
const defaultMaxImageBytes int64 = 1 << 32

func defaultOptions() options {
	return options{
		logger:     logr.FromContext(context.Background()),
		queueDepth: 8,
		checkCRC:   true,
		maxBytes:   defaultMaxImageBytes,
		inflater:   newPooledZlibReader,
	}
}

// Option configures an ImageLoader.
type Option func(*options)

// WithLogger sets the logger used by the loader and its worker.
func WithLogger(l logr.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithQueueDepth bounds the number of compressed chunks buffered for the worker.
// AddData waits for the worker only when the queue is full.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithCRCCheck toggles CRC verification of critical chunks.
func WithCRCCheck(enabled bool) Option {
	return func(o *options) {
		o.checkCRC = enabled
	}
}

// WithMaxImageBytes rejects images whose Metadata.MemoryBytes exceeds n with
// ErrInvalidMetadata. n <= 0 removes the limit; sizes that overflow an int are
// always rejected.
func WithMaxImageBytes(n int64) Option {
	return func(o *options) {
		o.maxBytes = n
	}
}

// WithInflater replaces the zlib engine used for the image data.
func WithInflater(inflater Inflater) Option {
	return func(o *options) {
		if inflater != nil {
			o.inflater = inflater
		}
	}
}

// --- zlib helpers ---

var zlibReaderPool sync.Pool

type pooledZlibReader struct {
	io.ReadCloser
}

func (r *pooledZlibReader) Close() error {
	err := r.ReadCloser.Close()
	zlibReaderPool.Put(r.ReadCloser)
	return err
}

func newPooledZlibReader(src io.Reader) (io.ReadCloser, error) {
	if zr, ok := zlibReaderPool.Get().(io.ReadCloser); ok {
		if err := zr.(zlib.Resetter).Reset(src, nil); err != nil {
			return nil, err
		}
		return &pooledZlibReader{ReadCloser: zr}, nil
	}
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, err
	}
	return &pooledZlibReader{ReadCloser: zr}, nil
}
