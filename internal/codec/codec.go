// Package codec wandelt Bilder im Transportformat ("data:image/jpeg;base64,...")
// in Pixelpuffer um und zurück.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// JPEGQuality ist die Qualitätsstufe für Encode
const JPEGQuality = 90

// Präfix für JPEG-Bilder im Transportformat
const jpegPrefix = "data:image/jpeg;base64,"

// ErrDecode wird bei jedem fehlerhaften Transportbild zurückgegeben
var ErrDecode = errors.New("invalid image encoding")

// MarkerColor ist die Farbe des Rahmens um das erkannte Gesicht
var MarkerColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// MarkerThickness ist die Rahmenstärke in Pixeln
const MarkerThickness = 2

// DecodeBytes trennt den Header vom Payload und liefert die Rohbytes samt Format
func DecodeBytes(encoded string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(encoded, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing ',' separator after header", ErrDecode)
	}
	header = strings.TrimSpace(header)
	if !validHeader(header) {
		return nil, "", fmt.Errorf("%w: malformed header %q, want data:image/<format>;base64", ErrDecode, truncate(header, 40))
	}

	payload = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, payload)

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// manche Clients senden den Payload ohne Padding
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, "", fmt.Errorf("%w: invalid base64 payload: %v", ErrDecode, err)
		}
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	format, err := Sniff(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, format, nil
}

// validHeader prüft "data:image/<fmt>;base64"
func validHeader(header string) bool {
	mime, ok := strings.CutPrefix(header, "data:image/")
	if !ok {
		return false
	}
	format, ok := strings.CutSuffix(mime, ";base64")
	return ok && format != "" && !strings.ContainsAny(format, ";,/")
}

// Sniff erkennt das Bildformat anhand der Rohbytes
func Sniff(raw []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: payload is not an image: %v", ErrDecode, err)
	}
	return format, nil
}

// Decode wandelt ein Transportbild in einen opaken RGBA-Puffer um
func Decode(encoded string) (*image.RGBA, error) {
	raw, _, err := DecodeBytes(encoded)
	if err != nil {
		return nil, err
	}
	return DecodeRaw(raw)
}

// DecodeRaw dekodiert bereits entpackte Bilddaten
func DecodeRaw(raw []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ToRGBA(img), nil
}

// ToRGBA kopiert ein Bild in einen RGBA-Puffer mit Ursprung (0,0).
// Transparenz wird auf weißen Hintergrund reduziert.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Encode serialisiert ein Bild als JPEG im Transportformat
func Encode(img image.Image) (string, error) {
	raw, err := EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	return EncodeBytes(raw), nil
}

// EncodeJPEG liefert die JPEG-Bytes eines Bildes
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBytes verpackt JPEG-Bytes im Transportformat
func EncodeBytes(raw []byte) string {
	return jpegPrefix + base64.StdEncoding.EncodeToString(raw)
}

// NormalizeJPEG liefert JPEG-Bytes für die Ablage; JPEG-Eingaben bleiben unverändert
func NormalizeJPEG(raw []byte, format string) ([]byte, error) {
	if format == "jpeg" {
		return raw, nil
	}
	img, err := DecodeRaw(raw)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(img)
}

// Crop schneidet eine Region als eigenständiges Bild aus
func Crop(img image.Image, rect image.Rectangle) *image.RGBA {
	rect = rect.Canon().Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// Annotate liefert eine Kopie des Bildes mit einem Rahmen um rect
func Annotate(img image.Image, rect image.Rectangle) *image.RGBA {
	dst := ToRGBA(img)
	rect = rect.Canon().Intersect(dst.Bounds())
	if rect.Empty() {
		return dst
	}

	marker := image.NewUniform(MarkerColor)
	t := MarkerThickness
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), // oben
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), // unten
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), // links
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), // rechts
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(rect), marker, image.Point{}, draw.Src)
	}
	return dst
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
