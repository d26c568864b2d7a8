package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	testingx "github.com/octohelm/x/testing"
)

func makeTestImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 17) ^ (y * 31)),
				G: uint8((x * 43) + (y * 13)),
				B: uint8((x * 7) ^ (y * 11)),
				A: uint8(x * y),
			})
		}
	}
	return img
}

func TestRGBAZ_RoundTrip(t *testing.T) {
	img := makeTestImage(33, 17)

	var buf bytes.Buffer
	if err := EncodeRGBAZ(&buf, img); err != nil {
		t.Fatalf("EncodeRGBAZ: %v", err)
	}
	got, err := DecodeRGBAZ(&buf)
	if err != nil {
		t.Fatalf("DecodeRGBAZ: %v", err)
	}
	if diff := cmp.Diff(img.Pix, got.Pix); diff != "" {
		t.Fatalf("pixels (-want +got):\n%s", diff)
	}
}

func TestRGBAZ_InvalidMagic(t *testing.T) {
	_, err := DecodeRGBAZ(bytes.NewReader([]byte("NOPE\x00\x00\x00\x01\x00\x00\x00\x01")))
	testingx.Expect(t, err != nil, testingx.Be(true))
}

func TestRGBAZ_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRGBAZ(&buf, image.NewNRGBA(image.Rect(0, 0, 0, 0))); err != nil {
		t.Fatalf("EncodeRGBAZ: %v", err)
	}
	got, err := DecodeRGBAZ(&buf)
	testingx.Expect(t, err, testingx.BeNil[error]())
	testingx.Expect(t, got.Bounds().Empty(), testingx.Be(true))
}

func TestRGBAZ_OversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, 0xffffffff, 0xffffffff); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	_, err := DecodeRGBAZ(&buf)
	testingx.Expect(t, err != nil, testingx.Be(true))
}

func TestArrivingStream(t *testing.T) {
	s := &arrivingStream{data: []byte("abcdef")}

	n, err := s.Read(make([]byte, 4))
	testingx.Expect(t, n, testingx.Be(0))
	testingx.Expect(t, err, testingx.Be(io.EOF))

	s.arrive(4)
	got, _ := io.ReadAll(s)
	testingx.Expect(t, string(got), testingx.Be("abcd"))

	s.arrive(100)
	got, _ = io.ReadAll(s)
	testingx.Expect(t, string(got), testingx.Be("ef"))
	testingx.Expect(t, s.complete(), testingx.Be(true))
}

func TestDecodeFile(t *testing.T) {
	dir := t.TempDir()
	img := makeTestImage(40, 30)

	in := filepath.Join(dir, "in.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := os.WriteFile(in, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	for _, format := range []string{"png", "zst"} {
		t.Run(format, func(t *testing.T) {
			f := &decodeFlags{format: format, out: dir}
			if err := decodeFile(context.Background(), in, 100, f); err != nil {
				t.Fatalf("decodeFile: %v", err)
			}

			out, err := os.Open(outputPath(in, f))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer out.Close()

			var got *image.NRGBA
			if format == "zst" {
				got, err = DecodeRGBAZ(out)
			} else {
				var decoded image.Image
				decoded, err = png.Decode(out)
				if err == nil {
					got = decoded.(*image.NRGBA)
				}
			}
			if err != nil {
				t.Fatalf("read output: %v", err)
			}
			if diff := cmp.Diff(img.Pix, got.Pix); diff != "" {
				t.Fatalf("pixels (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFile_Truncated(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := png.Encode(&buf, makeTestImage(20, 20)); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	in := filepath.Join(dir, "short.png")
	if err := os.WriteFile(in, buf.Bytes()[:buf.Len()-30], 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := decodeFile(context.Background(), in, 64, &decodeFlags{format: "none"})
	testingx.Expect(t, err != nil, testingx.Be(true))
}
