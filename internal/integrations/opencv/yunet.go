package opencv

import (
	"context"
	"fmt"
	"image"
	"sync"

	"facegate/config"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"

	"gocv.io/x/gocv"
)

// Spalten der YuNet-Ausgabe: 0-3 Box, 4-13 Landmarken, 14 Score
const yunetScoreCol = 14

// YuNetLocator findet Gesichter mit dem FaceDetectorYN-Modell
type YuNetLocator struct {
	detector      gocv.FaceDetectorYN
	minConfidence float64
	strict        bool
	mu            sync.Mutex
}

// NewYuNetLocator lädt das YuNet-ONNX-Modell
func NewYuNetLocator(cfg config.OpenCVConfig, detection config.DetectionConfig) (*YuNetLocator, error) {
	if !fileExists(cfg.YuNetModelPath) {
		return nil, fmt.Errorf("model file not found: %s", cfg.YuNetModelPath)
	}
	backend, target := netBackend(cfg.UseGPU)

	// Im nachsichtigen Modus filtert YuNet selbst kaum; SelectProminent entscheidet
	score := float32(0.3)
	if detection.EnforceDetection {
		score = float32(detection.MinConfidence)
	}

	det := gocv.NewFaceDetectorYNWithParams(
		cfg.YuNetModelPath,
		"",
		image.Pt(320, 320), // wird pro Bild angepasst
		score,
		0.3,  // NMS
		5000, // Top K
		int(backend),
		int(target),
	)
	return &YuNetLocator{
		detector:      det,
		minConfidence: detection.MinConfidence,
		strict:        detection.EnforceDetection,
	}, nil
}

// Name liefert den Backend-Namen
func (l *YuNetLocator) Name() string {
	return config.BackendYuNet
}

// IsAvailable ist für lokale Modelle immer wahr
func (l *YuNetLocator) IsAvailable(context.Context) bool {
	return true
}

// Locate liefert das größte Gesicht im Bild
func (l *YuNetLocator) Locate(ctx context.Context, img image.Image) (models.Region, error) {
	if err := ctx.Err(); err != nil {
		return models.Region{}, err
	}
	mat, err := toMat(img)
	if err != nil {
		return models.Region{}, err
	}
	defer mat.Close()

	faces := gocv.NewMat()
	defer faces.Close()

	l.mu.Lock()
	l.detector.SetInputSize(image.Pt(mat.Cols(), mat.Rows()))
	l.detector.Detect(mat, &faces)
	l.mu.Unlock()

	origin := img.Bounds().Min
	regions := make([]models.Region, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		regions = append(regions, models.Region{
			X:          int(faces.GetFloatAt(r, 0)) + origin.X,
			Y:          int(faces.GetFloatAt(r, 1)) + origin.Y,
			W:          int(faces.GetFloatAt(r, 2)),
			H:          int(faces.GetFloatAt(r, 3)),
			Confidence: float64(faces.GetFloatAt(r, yunetScoreCol)),
		})
	}
	return detector.SelectProminent(regions, l.minConfidence, l.strict)
}

// Close gibt das Modell frei
func (l *YuNetLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detector.Close()
	return nil
}
