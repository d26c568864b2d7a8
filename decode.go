package parng

import (
	"image"
	"image/color"
	"io"
)

// Decode reads a complete PNG image from r into memory. r is drained synchronously,
// so a reader that reports io.EOF before the IEND chunk yields an error wrapping
// io.ErrUnexpectedEOF. Images larger than WithMaxImageBytes allows fail with
// ErrInvalidMetadata before anything is allocated.
func Decode(r io.Reader, opts ...Option) (*image.NRGBA, error) {
	l := NewImageLoader(opts...)
	defer l.Close()

	var p *MemoryDataProvider
	for {
		progress, err := l.AddData(r)
		if err != nil {
			return nil, err
		}

		switch progress {
		case LoadProgressNeedDataProviderAndMoreData:
			// Reported once: the loader only asks while no provider is set.
			m, _ := l.Metadata()
			p = NewMemoryDataProvider(m)
			l.SetDataProvider(p)
		case LoadProgressNeedMoreData:
			return nil, wrapError(ErrorKindIO, io.ErrUnexpectedEOF, "stream ended before IEND")
		case LoadProgressFinished:
			if err := l.WaitUntilFinished(); err != nil {
				return nil, err
			}
			return p.Image(), nil
		}
	}
}

// DecodeConfig reads only as much of r as needed to parse the IHDR chunk.
func DecodeConfig(r io.Reader) (image.Config, error) {
	l := NewImageLoader()
	defer l.Close()

	if _, err := l.AddData(r); err != nil {
		return image.Config{}, err
	}
	m, ok := l.Metadata()
	if !ok {
		return image.Config{}, wrapError(ErrorKindIO, io.ErrUnexpectedEOF, "stream ended before IHDR")
	}
	return image.Config{
		ColorModel: color.NRGBAModel,
		Width:      int(m.Width),
		Height:     int(m.Height),
	}, nil
}
