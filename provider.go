package parng

// NoReference is passed as the reference scanline to
// DataProvider.FetchScanlinesForPrediction when no reference is needed.
const NoReference = -1

// DataProvider supplies all pixel storage to an ImageLoader. The decoder never owns
// pixel memory: it borrows the slices returned by the Fetch methods until the
// matching Complete method returns.
//
// Every method is called from the loader's worker goroutine, never from the goroutine
// calling AddData. State shared with other goroutines needs its own synchronisation.
// Calling WaitUntilFinished from inside a DataProvider method deadlocks.
//
// Scanlines are requested in nondecreasing (level of detail, scanline) order, so a
// provider may recycle memory of earlier scanlines once a later one is fetched.
type DataProvider interface {
	// FetchScanlinesForPrediction returns storage for scanline current of lod, and,
	// when reference is not NoReference, the already predicted scanline reference
	// (always current-1 of the same lod). Storage holds 1 byte per pixel when
	// indexed is true and 4 bytes per pixel otherwise.
	//
	// Returning a nil CurrentScanline aborts the decode with ErrDataProvider.
	FetchScanlinesForPrediction(reference, current int, lod LevelOfDetail, indexed bool) ScanlinesForPrediction

	// PredictionCompleteForScanline is called once scanline has been predicted. For
	// 8-bit RGBA images it is final; otherwise RGBA conversion follows.
	PredictionCompleteForScanline(scanline int, lod LevelOfDetail)

	// FetchScanlinesForRGBAConversion returns the RGBA storage of scanline and, for
	// indexed images, its palette indices. It is called only when the image needs
	// conversion.
	//
	// Returning a nil RGBAScanline aborts the decode with ErrDataProvider.
	FetchScanlinesForRGBAConversion(scanline int, lod LevelOfDetail, indexed bool) ScanlinesForRGBAConversion

	// RGBAConversionCompleteForScanline is called once scanline is final.
	RGBAConversionCompleteForScanline(scanline int, lod LevelOfDetail)

	// Finished is called exactly once, after the last scanline of the last level of
	// detail is final.
	Finished()
}

// ScanlinesForPrediction is a DataProvider's answer to a prediction request. Both
// slices start at the first pixel of the scanline for its level of detail (see
// InterlacingInfo.Offset).
type ScanlinesForPrediction struct {
	// ReferenceScanline must be set when a reference was requested.
	ReferenceScanline []byte
	CurrentScanline   []byte
	// Stride is the number of bytes between pixels of both scanlines: at least 4 for
	// truecolor storage, at least 1 for indexed storage.
	Stride int
}

// ScanlinesForRGBAConversion is a DataProvider's answer to a conversion request.
type ScanlinesForRGBAConversion struct {
	RGBAScanline []byte
	// RGBAStride is at least 4.
	RGBAStride int
	// IndexedScanline is read for indexed images only.
	IndexedScanline []byte
	IndexedStride   int
}

// spanFor is the number of bytes a scanline of width pixels touches: the last pixel
// starts at (width-1)*stride and uses pixelBytes bytes.
func spanFor(width, stride, pixelBytes int) int {
	if width == 0 {
		return 0
	}
	return (width-1)*stride + pixelBytes
}

func validateScanline(name string, b []byte, width, stride, pixelBytes int) error {
	if b == nil {
		return newError(ErrorKindDataProvider, "%s scanline missing", name)
	}
	if stride < pixelBytes {
		return newError(ErrorKindDataProvider, "%s stride %d below %d", name, stride, pixelBytes)
	}
	if need := spanFor(width, stride, pixelBytes); len(b) < need {
		return newError(ErrorKindDataProvider, "%s scanline holds %d bytes, need %d", name, len(b), need)
	}
	return nil
}
