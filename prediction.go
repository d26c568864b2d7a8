package parng

import "fmt"

// Predictor is the per-scanline filter type stored in the first byte of each
// decompressed scanline.
type Predictor uint8

const (
	PredictorNone Predictor = iota
	PredictorLeft
	PredictorUp
	PredictorAverage
	PredictorPaeth
)

func (p Predictor) String() string {
	switch p {
	case PredictorNone:
		return "none"
	case PredictorLeft:
		return "sub"
	case PredictorUp:
		return "up"
	case PredictorAverage:
		return "average"
	case PredictorPaeth:
		return "paeth"
	default:
		return fmt.Sprintf("Predictor(%d)", uint8(p))
	}
}

// PredictorFromByte validates a filter tag.
func PredictorFromByte(b byte) (Predictor, error) {
	if b > byte(PredictorPaeth) {
		return 0, newError(ErrorKindInvalidScanlinePredictor, "invalid scanline predictor %d", b)
	}
	return Predictor(b), nil
}

// needsReference reports whether the predictor reads the scanline above.
func (p Predictor) needsReference() bool {
	return p == PredictorUp || p == PredictorAverage || p == PredictorPaeth
}

// Unfilter reverses the predictor in place over a packed scanline (without its tag
// byte). prev is the previous unfiltered scanline of the same pass, or nil for the
// first one, in which case it reads as zeros. bpp is the filter unit in bytes.
func (p Predictor) Unfilter(cur, prev []byte, bpp int) {
	if prev == nil && p.needsReference() {
		// an all-zero row above turns Up into None and Paeth into Sub
		switch p {
		case PredictorUp:
			return
		case PredictorPaeth:
			p = PredictorLeft
		}
	}

	switch p {
	case PredictorNone:
	case PredictorLeft:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case PredictorUp:
		for i, b := range prev[:len(cur)] {
			cur[i] += b
		}
	case PredictorAverage:
		if prev == nil {
			for i := bpp; i < len(cur); i++ {
				cur[i] += cur[i-bpp] / 2
			}
			return
		}
		for i := 0; i < bpp && i < len(cur); i++ {
			cur[i] += prev[i] / 2
		}
		for i := bpp; i < len(cur); i++ {
			cur[i] += uint8((int(cur[i-bpp]) + int(prev[i])) / 2)
		}
	case PredictorPaeth:
		for i := 0; i < bpp && i < len(cur); i++ {
			cur[i] += prev[i]
		}
		for i := bpp; i < len(cur); i++ {
			cur[i] += paeth(cur[i-bpp], prev[i], prev[i-bpp])
		}
	}
}

// predictStrided unfilters src (one packed 8-bit-per-sample scanline without its tag)
// straight into provider storage. Pixel i lands at dst[i*stride:], sample c at
// slot slots[c]. ref is the row above in the same layout, or nil.
func (p Predictor) predictStrided(dst, ref, src []byte, width, stride int, slots []int) {
	bpp := len(slots)

	if stride == bpp && isIdentity(slots) {
		n := width * bpp
		copy(dst[:n], src[:n])
		if ref != nil {
			ref = ref[:n]
		}
		p.Unfilter(dst[:n], ref, bpp)
		return
	}

	for i := 0; i < width; i++ {
		o := i * stride
		s := src[i*bpp : i*bpp+bpp]
		for c, slot := range slots {
			var a, b, cc uint8
			if i > 0 {
				a = dst[o-stride+slot]
			}
			if ref != nil {
				b = ref[o+slot]
				if i > 0 {
					cc = ref[o-stride+slot]
				}
			}

			x := s[c]
			switch p {
			case PredictorLeft:
				x += a
			case PredictorUp:
				x += b
			case PredictorAverage:
				x += uint8((int(a) + int(b)) / 2)
			case PredictorPaeth:
				x += paeth(a, b, cc)
			}
			dst[o+slot] = x
		}
	}
}

// paeth picks whichever of left, above, upper-left is closest to left+above-upperLeft.
// Ties go to left, then above.
func paeth(a, b, c uint8) uint8 {
	pc := int(c)
	pa := int(b) - pc
	pb := int(a) - pc
	pc = abs(pa + pb)
	pa = abs(pa)
	pb = abs(pb)
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func isIdentity(slots []int) bool {
	for i, s := range slots {
		if s != i {
			return false
		}
	}
	return true
}
