// Package parng is an incremental PNG decoder.
//
// PNG bytes are pushed into an ImageLoader as they arrive, from a file or a
// network connection, with AddData. The loader parses the chunk stream on the
// caller's goroutine and hands the compressed image data to a background worker
// that inflates, unfilters and converts it scanline by scanline. Pixels are never
// stored by the decoder itself: every scanline is written into memory supplied by a
// DataProvider, which can therefore display an interlaced image pass by pass while
// it is still loading.
//
// The output is always 8-bit RGBA, non-premultiplied. 16-bit images keep the high
// byte of each sample.
//
// A typical loop:
//
//	l := parng.NewImageLoader()
//	defer l.Close()
//	for {
//		progress, err := l.AddData(conn)
//		if err != nil {
//			return err
//		}
//		switch progress {
//		case parng.LoadProgressNeedDataProviderAndMoreData:
//			m, _ := l.Metadata()
//			l.SetDataProvider(newProvider(m))
//			continue
//		case parng.LoadProgressFinished:
//			return l.WaitUntilFinished()
//		}
//		waitForMoreData(conn)
//	}
//
// Decode and DecodeConfig wrap this loop for readers that already hold the
// whole image.
package parng
