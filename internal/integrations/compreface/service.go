package compreface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"facegate/config"
	"facegate/internal/codec"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"
)

// Service stellt CompreFace als Locator und Verifier bereit
type Service struct {
	client        *Client
	config        config.CompreFaceConfig
	minConfidence float64
	strict        bool
}

// NewService erstellt einen neuen CompreFace-Service
func NewService(cfg config.CompreFaceConfig, detection config.DetectionConfig) *Service {
	return &Service{
		client:        NewClient(cfg),
		config:        cfg,
		minConfidence: detection.MinConfidence,
		strict:        detection.EnforceDetection,
	}
}

// Name liefert den Backend-Namen
func (s *Service) Name() string {
	return config.BackendCompreFace
}

// IsAvailable prüft, ob der CompreFace-Dienst verfügbar ist
func (s *Service) IsAvailable(ctx context.Context) bool {
	ok, _ := s.client.Ping(ctx)
	return ok
}

// Locate findet das größte Gesicht über den Detection-Dienst
func (s *Service) Locate(ctx context.Context, img image.Image) (models.Region, error) {
	data, err := codec.EncodeJPEG(img)
	if err != nil {
		return models.Region{}, err
	}

	threshold := s.config.DetProbThreshold
	if s.strict && s.minConfidence > threshold {
		threshold = s.minConfidence
	}

	boxes, err := s.client.Detect(ctx, data, threshold)
	if errors.Is(err, ErrNoFaceFound) {
		return models.Region{}, detector.ErrNoFace
	}
	if err != nil {
		return models.Region{}, err
	}

	regions := make([]models.Region, 0, len(boxes))
	for _, b := range boxes {
		regions = append(regions, boxToRegion(b))
	}
	return detector.SelectProminent(regions, s.minConfidence, s.strict)
}

// Verify liefert 1 - Ähnlichkeit zwischen Probe und Referenz
func (s *Service) Verify(ctx context.Context, probe image.Image, ref models.Reference) (float64, error) {
	target, err := os.ReadFile(ref.Locator)
	if err != nil {
		return 0, fmt.Errorf("failed to read reference %s: %w", ref.Key(), err)
	}
	source, err := codec.EncodeJPEG(probe)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Verify(ctx, source, target)
	if err != nil {
		return 0, err
	}
	sim, ok := resp.BestSimilarity()
	if !ok {
		return 0, fmt.Errorf("no face match returned for %s", ref.Key())
	}
	d := 1 - sim
	if d < 0 {
		d = 0
	}
	return d, nil
}

func boxToRegion(b Box) models.Region {
	return models.RegionFromRect(image.Rect(b.XMin, b.YMin, b.XMax, b.YMax), b.Probability)
}
