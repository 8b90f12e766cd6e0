package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"facegate/internal/codec"
	"facegate/internal/core/detector"
	"facegate/internal/core/matcher"
	"facegate/internal/core/models"
	"facegate/internal/facedb"

	log "github.com/sirupsen/logrus"
)

// ErrLocate kennzeichnet einen Ausfall des Lokalisierungs-Backends
var ErrLocate = errors.New("face localization failed")

// SnapshotSource liefert die aktuelle Sicht auf die Gesichtsdatenbank
type SnapshotSource interface {
	Snapshot() *facedb.Snapshot
}

// EventSink empfängt verarbeitete Ereignisse
type EventSink interface {
	Publish(ev models.Event)
}

// MultiSink verteilt Ereignisse an mehrere Empfänger
type MultiSink []EventSink

// Publish leitet das Ereignis an alle Empfänger weiter
func (m MultiSink) Publish(ev models.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// ProcessingOptions enthält Optionen für die Bildverarbeitung
type ProcessingOptions struct {
	// ReturnAnnotatedImage hängt das markierte Originalbild an das Ergebnis
	ReturnAnnotatedImage bool
	// DetectorName und ModelName landen in Ereignissen und Protokoll
	DetectorName string
	ModelName    string
}

// ImageProcessor führt die Erkennung durch: dekodieren, lokalisieren,
// zuschneiden, abgleichen, markieren
type ImageProcessor struct {
	locator detector.Locator
	matcher *matcher.Matcher
	db      SnapshotSource
	sink    EventSink
	opts    ProcessingOptions

	recognitions atomic.Int64
	matches      atomic.Int64
	unknowns     atomic.Int64
	noFaces      atomic.Int64
}

// NewImageProcessor erstellt einen neuen Bildverarbeitungsprozessor
func NewImageProcessor(locator detector.Locator, m *matcher.Matcher, db SnapshotSource,
	sink EventSink, opts ProcessingOptions) *ImageProcessor {
	return &ImageProcessor{
		locator: locator,
		matcher: m,
		db:      db,
		sink:    sink,
		opts:    opts,
	}
}

// Recognize dekodiert ein Transportbild und erkennt die Person darin
func (p *ImageProcessor) Recognize(ctx context.Context, encoded, source string) (*models.MatchResult, error) {
	img, err := codec.Decode(encoded)
	if err != nil {
		return nil, err
	}
	return p.RecognizeImage(ctx, img, source)
}

// RecognizeImage erkennt die Person in einem bereits dekodierten Bild
func (p *ImageProcessor) RecognizeImage(ctx context.Context, img image.Image, source string) (*models.MatchResult, error) {
	start := time.Now()

	region, err := p.locator.Locate(ctx, img)
	if errors.Is(err, detector.ErrNoFace) {
		result := &models.MatchResult{
			Outcome:  models.OutcomeNoFace,
			Identity: models.UnknownIdentity,
		}
		p.finish(ctx, result, start, source)
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocate, err)
	}

	region, ok := detector.ClampRegion(region, img.Bounds())
	if !ok {
		log.WithField("region", region).Warn("Located region lies outside the image")
		result := &models.MatchResult{
			Outcome:  models.OutcomeNoFace,
			Identity: models.UnknownIdentity,
		}
		p.finish(ctx, result, start, source)
		return result, nil
	}

	face := codec.Crop(img, region.Rect())

	// Snapshot zu Beginn der Anfrage; spätere Änderungen betreffen erst die nächste
	refs := p.db.Snapshot().References()
	result := p.matcher.Match(ctx, face, refs)
	result.Region = &region

	if p.opts.ReturnAnnotatedImage {
		annotated, err := codec.Encode(codec.Annotate(img, region.Rect()))
		if err != nil {
			log.WithError(err).Warn("Failed to encode annotated image")
		} else {
			result.AnnotatedImage = annotated
		}
	}

	p.finish(ctx, result, start, source)
	return result, nil
}

func (p *ImageProcessor) finish(ctx context.Context, result *models.MatchResult, start time.Time, source string) {
	result.Duration = time.Since(start)

	p.recognitions.Add(1)
	switch result.Outcome {
	case models.OutcomeMatch:
		p.matches.Add(1)
	case models.OutcomeUnknown:
		p.unknowns.Add(1)
	case models.OutcomeNoFace:
		p.noFaces.Add(1)
	}

	fields := log.Fields{
		"outcome":  result.Outcome,
		"identity": result.Identity,
		"compared": result.Compared,
		"failed":   result.Failed,
		"duration": result.Duration,
		"source":   source,
	}
	requestID := RequestID(ctx)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if result.Score != nil {
		fields["score"] = *result.Score
	}
	log.WithFields(fields).Info("Recognition finished")

	if p.sink != nil {
		p.sink.Publish(models.Event{
			Type:      models.EventRecognition,
			Timestamp: time.Now(),
			Source:    source,
			RequestID: requestID,
			Identity:  result.Identity,
			Detector:  p.opts.DetectorName,
			Model:     p.opts.ModelName,
			Result:    result,
		})
	}
}

// Counters liefert die Zähler seit dem Start
func (p *ImageProcessor) Counters() (recognitions, matches, unknowns, noFaces int64) {
	return p.recognitions.Load(), p.matches.Load(), p.unknowns.Load(), p.noFaces.Load()
}

// Options liefert die Verarbeitungsoptionen
func (p *ImageProcessor) Options() ProcessingOptions {
	return p.opts
}
