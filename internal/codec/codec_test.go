package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := solidImage(32, 24, color.RGBA{R: 200, G: 80, B: 40, A: 255})

	encoded, err := Encode(src)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(encoded, "data:image/jpeg;base64,") {
		t.Fatalf("unexpected prefix: %q", encoded[:30])
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v, want %v", decoded.Bounds(), src.Bounds())
	}

	// JPEG ist verlustbehaftet
	got := decoded.RGBAAt(16, 12)
	want := src.RGBAAt(16, 12)
	if absDiff(got.R, want.R) > 8 || absDiff(got.G, want.G) > 8 || absDiff(got.B, want.B) > 8 {
		t.Errorf("pixel = %v, want approx %v", got, want)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no separator", "data:image/jpeg;base64"},
		{"malformed header", "image/jpeg," + base64.StdEncoding.EncodeToString([]byte("x"))},
		{"missing base64 marker", "data:image/jpeg,abcd"},
		{"bad base64", "data:image/jpeg;base64,!!!not-base64!!!"},
		{"empty payload", "data:image/jpeg;base64,"},
		{"not an image", "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("hello world"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeBytesReportsFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(4, 4, color.RGBA{A: 255})); err != nil {
		t.Fatal(err)
	}
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	raw, format, err := DecodeBytes(encoded)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	if !bytes.Equal(raw, buf.Bytes()) {
		t.Error("raw bytes differ from input")
	}

	jpg, err := NormalizeJPEG(raw, format)
	if err != nil {
		t.Fatalf("NormalizeJPEG: %v", err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(jpg)); err != nil || format != "jpeg" {
		t.Errorf("normalized format = %q, err = %v", format, err)
	}
}

func TestDecodeUnpaddedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(3, 3, color.RGBA{G: 255, A: 255})); err != nil {
		t.Fatal(err)
	}
	encoded := "data:image/png;base64," + base64.RawStdEncoding.EncodeToString(buf.Bytes())

	if _, err := Decode(encoded); err != nil {
		t.Fatalf("Decode unpadded: %v", err)
	}
}

func TestDecodeFlattensAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2)) // vollständig transparent
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}

	img, err := DecodeRaw(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeRaw: %v", err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("pixel = %v, want opaque white", got)
	}
}

func TestCrop(t *testing.T) {
	src := solidImage(20, 20, color.RGBA{B: 255, A: 255})
	src.SetRGBA(5, 6, color.RGBA{R: 255, A: 255})

	out := Crop(src, image.Rect(5, 6, 15, 12))
	if out.Bounds() != image.Rect(0, 0, 10, 6) {
		t.Fatalf("bounds = %v", out.Bounds())
	}
	if got := out.RGBAAt(0, 0); got.R != 255 {
		t.Errorf("origin pixel = %v, want red", got)
	}

	// Regionen außerhalb des Bildes werden beschnitten
	out = Crop(src, image.Rect(15, 15, 40, 40))
	if out.Bounds() != image.Rect(0, 0, 5, 5) {
		t.Errorf("clipped bounds = %v", out.Bounds())
	}
}

func TestAnnotate(t *testing.T) {
	src := solidImage(40, 40, color.RGBA{A: 255})
	rect := image.Rect(10, 10, 30, 30)

	out := Annotate(src, rect)

	if got := out.RGBAAt(10, 10); got != MarkerColor {
		t.Errorf("corner = %v, want marker", got)
	}
	if got := out.RGBAAt(29, 20); got != MarkerColor {
		t.Errorf("right edge = %v, want marker", got)
	}
	if got := out.RGBAAt(20, 20); got == MarkerColor {
		t.Error("interior must not be painted")
	}
	if got := out.RGBAAt(5, 5); got == MarkerColor {
		t.Error("outside must not be painted")
	}
	if got := src.RGBAAt(10, 10); got == MarkerColor {
		t.Error("source image must not be modified")
	}
}

func TestDecodeRequiresImageHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidImage(4, 4, color.RGBA{A: 255})); err != nil {
		t.Fatal(err)
	}
	payload := base64.StdEncoding.EncodeToString(buf.Bytes())

	tests := []struct {
		header  string
		wantErr bool
	}{
		{"data:image/png;base64", false},
		{"data:image/jpeg;base64", false},
		{"data:text/plain;base64", true},
		{"data:application/octet-stream;base64", true},
		{"data:image/;base64", true},
		{"data:image/png;charset=utf-8;base64", true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			_, _, err := DecodeBytes(tt.header + "," + payload)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("DecodeBytes: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
			if !strings.Contains(err.Error(), "malformed header") {
				t.Errorf("error should name the header: %v", err)
			}
		})
	}
}
