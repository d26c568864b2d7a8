package parng

// Transparency is the content of a tRNS chunk, resolved against the image's colour
// type.
type Transparency struct {
	// Alpha holds one alpha value per palette entry for indexed images. Entries
	// beyond its length are opaque.
	Alpha []byte
	// Key is the colour that is fully transparent in grayscale (Key[0]) and RGB
	// images, in sample units of the image's bit depth.
	Key    [3]uint16
	HasKey bool
}

// colorConverter turns predicted scanlines into RGBA. It holds the resolved
// palette and colour key and is immutable once built.
type colorConverter struct {
	colorType ColorType
	palette   [256][4]uint8
	entries   int

	hasKey bool
	key    [3]uint8
}

func newColorConverter(m Metadata, palette []byte, trns Transparency) *colorConverter {
	c := &colorConverter{colorType: m.ColorType}

	if m.Indexed() {
		c.entries = len(palette) / 3
		for i := 0; i < c.entries; i++ {
			c.palette[i] = [4]uint8{palette[3*i], palette[3*i+1], palette[3*i+2], 0xff}
			if i < len(trns.Alpha) {
				c.palette[i][3] = trns.Alpha[i]
			}
		}
		return c
	}

	if trns.HasKey {
		c.hasKey = true
		for i := range c.key {
			c.key[i] = scaleSample(trns.Key[i], m.BitDepth)
		}
	}
	return c
}

// scaleSample maps a sample of the given bit depth to 8 bits the way placement
// does: sub-byte values are replicated, 16-bit values keep their high byte.
func scaleSample(v uint16, depth uint8) uint8 {
	switch depth {
	case 16:
		return uint8(v >> 8)
	case 8:
		return uint8(v)
	default:
		maxValue := uint16(1)<<depth - 1
		return uint8(uint32(v&maxValue) * 0xff / uint32(maxValue))
	}
}

// convert completes width pixels of one scanline.
func (c *colorConverter) convert(s ScanlinesForRGBAConversion, width int) error {
	rgba := s.RGBAScanline
	rs := s.RGBAStride

	switch c.colorType {
	case ColorTypeIndexed:
		indexed := s.IndexedScanline
		is := s.IndexedStride
		for i := 0; i < width; i++ {
			idx := int(indexed[i*is])
			if idx >= c.entries {
				return newError(ErrorKindInvalidMetadata, "palette index %d out of range (%d entries)", idx, c.entries)
			}
			copy(rgba[i*rs:i*rs+4], c.palette[idx][:])
		}
	case ColorTypeGrayscale:
		for i := 0; i < width; i++ {
			px := rgba[i*rs : i*rs+4]
			v := px[0]
			px[1], px[2], px[3] = v, v, 0xff
			if c.hasKey && v == c.key[0] {
				px[3] = 0
			}
		}
	case ColorTypeGrayscaleAlpha:
		for i := 0; i < width; i++ {
			px := rgba[i*rs : i*rs+4]
			px[1], px[2] = px[0], px[0]
		}
	case ColorTypeRGB:
		for i := 0; i < width; i++ {
			px := rgba[i*rs : i*rs+4]
			px[3] = 0xff
			if c.hasKey && px[0] == c.key[0] && px[1] == c.key[1] && px[2] == c.key[2] {
				px[3] = 0
			}
		}
	}
	return nil
}
