// Package detector definiert die Schnittstellen für Gesichtslokalisierung und
// Verifikation, unabhängig vom verwendeten Backend.
package detector

import (
	"context"
	"errors"
	"image"

	"facegate/internal/core/models"
)

// ErrNoFace wird zurückgegeben, wenn im Bild kein Gesicht gefunden wurde
var ErrNoFace = errors.New("no face detected")

// Locator findet das markanteste Gesicht in einem Bild.
// Die Region bezieht sich auf die Koordinaten von img; es wird nicht zugeschnitten.
type Locator interface {
	Locate(ctx context.Context, img image.Image) (models.Region, error)
}

// Verifier berechnet die Unähnlichkeit zwischen einem Probe-Gesicht und einer
// Referenz. Kleinere Werte bedeuten größere Ähnlichkeit, der Wertebereich ist [0, inf).
type Verifier interface {
	Verify(ctx context.Context, probe image.Image, ref models.Reference) (float64, error)
}

// Backend wird von Implementierungen angeboten, die einen Namen und eine
// Erreichbarkeitsprüfung haben
type Backend interface {
	Name() string
	IsAvailable(ctx context.Context) bool
}

// Invalidator wird von Verifiern mit Cache implementiert
type Invalidator interface {
	Invalidate(ref models.Reference)
}

// LocatorFunc erlaubt einfache Funktionen als Locator
type LocatorFunc func(ctx context.Context, img image.Image) (models.Region, error)

// Locate ruft f auf
func (f LocatorFunc) Locate(ctx context.Context, img image.Image) (models.Region, error) {
	return f(ctx, img)
}

// VerifierFunc erlaubt einfache Funktionen als Verifier
type VerifierFunc func(ctx context.Context, probe image.Image, ref models.Reference) (float64, error)

// Verify ruft f auf
func (f VerifierFunc) Verify(ctx context.Context, probe image.Image, ref models.Reference) (float64, error) {
	return f(ctx, probe, ref)
}

// SelectProminent wählt aus den Kandidaten die größte Region, bei gleicher
// Fläche die mit der höheren Konfidenz. Im strikten Modus werden Regionen unter
// minConfidence verworfen; im nachsichtigen Modus zählen sie mit.
func SelectProminent(regions []models.Region, minConfidence float64, strict bool) (models.Region, error) {
	var (
		best  models.Region
		found bool
	)
	for _, r := range regions {
		if r.W <= 0 || r.H <= 0 {
			continue
		}
		if strict && r.Confidence < minConfidence {
			continue
		}
		if !found || r.Area() > best.Area() ||
			(r.Area() == best.Area() && r.Confidence > best.Confidence) {
			best = r
			found = true
		}
	}
	if !found {
		return models.Region{}, ErrNoFace
	}
	return best, nil
}

// ClampRegion beschneidet eine Region auf die Bildgrenzen
func ClampRegion(r models.Region, bounds image.Rectangle) (models.Region, bool) {
	rect := r.Rect().Intersect(bounds)
	if rect.Empty() {
		return models.Region{}, false
	}
	return models.RegionFromRect(rect, r.Confidence), true
}
