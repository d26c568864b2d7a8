package main

import (
	"bufio"
	"encoding/binary"
	"image"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// .rgba.zst files hold raw decoded pixels: magic, width and height (uint32, big
// endian), then the zstd-compressed NRGBA rows without padding.
const magicRGBAZ = "PRGZ"

// maxRGBAZBytes bounds the pixel data DecodeRGBAZ will allocate for a header.
const maxRGBAZBytes = 1 << 32

var ErrInvalidMagic = errors.New("invalid magic")

func WriteHeader(w io.Writer, width, height uint32) error {
	if _, err := io.WriteString(w, magicRGBAZ); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, width); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, height)
}

func ReadHeader(r io.Reader) (width, height uint32, err error) {
	magic := make([]byte, len(magicRGBAZ))
	if _, err = io.ReadFull(r, magic); err != nil {
		return
	}
	if string(magic) != magicRGBAZ {
		return 0, 0, ErrInvalidMagic
	}
	if err = binary.Read(r, binary.BigEndian, &width); err != nil {
		return
	}
	err = binary.Read(r, binary.BigEndian, &height)
	return
}

// EncodeRGBAZ writes img in .rgba.zst form.
func EncodeRGBAZ(w io.Writer, img *image.NRGBA) error {
	b := img.Bounds()
	bw := bufio.NewWriter(w)
	if err := WriteHeader(bw, uint32(b.Dx()), uint32(b.Dy())); err != nil {
		return err
	}

	enc := zstdEncPool.Get().(*zstd.Encoder)
	defer zstdEncPool.Put(enc)
	enc.Reset(bw)

	rowBytes := 4 * b.Dx()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+rowBytes]
		if _, err := enc.Write(row); err != nil {
			enc.Close()
			return errors.Wrap(err, "zstd encode")
		}
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "zstd encode")
	}
	return bw.Flush()
}

// DecodeRGBAZ reads an image written by EncodeRGBAZ.
func DecodeRGBAZ(r io.Reader) (*image.NRGBA, error) {
	width, height, err := ReadHeader(r)
	if err != nil {
		return nil, errors.Wrap(err, "rgbaz header")
	}

	if n := uint64(width) * uint64(height) * 4; n > maxRGBAZBytes {
		return nil, errors.Errorf("rgbaz header: %dx%d image needs %d bytes", width, height, n)
	}

	dec := zstdDecPool.Get().(*zstd.Decoder)
	defer zstdDecPool.Put(dec)
	if err := dec.Reset(r); err != nil {
		return nil, errors.Wrap(err, "zstd decode")
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(width), int(height)))
	if _, err := io.ReadFull(dec, img.Pix); err != nil {
		return nil, errors.Wrapf(err, "zstd decode: truncated %dx%d image", width, height)
	}
	return img, nil
}

// --- ZSTD helpers ---

// Pixel streams run to many megabytes, so both directions use every core. The
// encoder always emits a frame, which keeps 0x0 images decodable.
func mustNewZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithWindowSize(1<<23),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		panic(err)
	}
	return enc
}

func mustNewZstdDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)),
		zstd.WithDecoderMaxMemory(maxRGBAZBytes),
		zstd.WithDecoderMaxWindow(1<<23),
	)
	if err != nil {
		panic(err)
	}
	return dec
}

var zstdEncPool = sync.Pool{
	New: func() any {
		return mustNewZstdEncoder()
	},
}

var zstdDecPool = sync.Pool{
	New: func() any {
		return mustNewZstdDecoder()
	},
}
