package deepface

import (
	"context"
	"fmt"
	"image"
	"os"

	"facegate/config"
	"facegate/internal/codec"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"
)

// Service stellt DeepFace als Locator und Verifier bereit
type Service struct {
	client          *Client
	modelName       string
	detectorBackend string
	distanceMetric  string
	minConfidence   float64
	strict          bool
}

// NewService erstellt einen DeepFace-Service. detectorBackend ist der
// Detektor, den DeepFace serverseitig verwendet.
func NewService(cfg config.DeepFaceConfig, recognition config.RecognitionConfig, detection config.DetectionConfig, detectorBackend string) *Service {
	metric := cfg.DistanceMetric
	if metric == "" {
		metric = "cosine"
	}
	return &Service{
		client:          NewClient(cfg),
		modelName:       recognition.ModelName,
		detectorBackend: detectorBackend,
		distanceMetric:  metric,
		minConfidence:   detection.MinConfidence,
		strict:          detection.EnforceDetection,
	}
}

// Name liefert den Backend-Namen
func (s *Service) Name() string {
	return config.BackendDeepFace
}

// IsAvailable prüft, ob der DeepFace-Server erreichbar ist
func (s *Service) IsAvailable(ctx context.Context) bool {
	ok, _ := s.client.Ping(ctx)
	return ok
}

// Locate bestimmt die Gesichtsregionen über /represent
func (s *Service) Locate(ctx context.Context, img image.Image) (models.Region, error) {
	encoded, err := codec.Encode(img)
	if err != nil {
		return models.Region{}, err
	}

	resp, err := s.client.Represent(ctx, RepresentRequest{
		Img:             encoded,
		ImgPath:         encoded,
		ModelName:       s.modelName,
		DetectorBackend: s.detectorBackend,
		// Ohne Gesicht liefert DeepFace sonst einen Fehler statt eines leeren Ergebnisses
		EnforceDetection: false,
		Align:            true,
	})
	if err != nil {
		return models.Region{}, err
	}

	bounds := img.Bounds()
	regions := make([]models.Region, 0, len(resp.Results))
	for _, r := range resp.Results {
		if isFullFrameFallback(r, bounds) {
			continue
		}
		regions = append(regions, models.Region{
			X: r.FacialArea.X, Y: r.FacialArea.Y,
			W: r.FacialArea.W, H: r.FacialArea.H,
			Confidence: r.FaceConfidence,
		})
	}
	return detector.SelectProminent(regions, s.minConfidence, s.strict)
}

// isFullFrameFallback erkennt das Ersatzergebnis von DeepFace ohne Gesicht:
// das gesamte Bild mit Konfidenz 0
func isFullFrameFallback(r RepresentResult, bounds image.Rectangle) bool {
	return r.FaceConfidence == 0 &&
		r.FacialArea.X == 0 && r.FacialArea.Y == 0 &&
		r.FacialArea.W >= bounds.Dx() && r.FacialArea.H >= bounds.Dy()
}

// Verify vergleicht Probe und Referenz über /verify
func (s *Service) Verify(ctx context.Context, probe image.Image, ref models.Reference) (float64, error) {
	raw, err := os.ReadFile(ref.Locator)
	if err != nil {
		return 0, fmt.Errorf("failed to read reference %s: %w", ref.Key(), err)
	}
	img1, err := codec.Encode(probe)
	if err != nil {
		return 0, err
	}
	img2 := codec.EncodeBytes(raw)

	resp, err := s.client.Verify(ctx, VerifyRequest{
		Img1:             img1,
		Img2:             img2,
		Img1Path:         img1,
		Img2Path:         img2,
		ModelName:        s.modelName,
		DetectorBackend:  s.detectorBackend,
		DistanceMetric:   s.distanceMetric,
		EnforceDetection: false,
		Align:            true,
	})
	if err != nil {
		return 0, err
	}
	return resp.Distance, nil
}
