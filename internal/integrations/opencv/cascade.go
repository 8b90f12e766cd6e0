package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"facegate/config"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"

	"gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

const cascadeFile = "haarcascade_frontalface_default.xml"

// CascadeLocator findet Gesichter mit der Haar-Kaskade von OpenCV
type CascadeLocator struct {
	cfg        config.OpenCVConfig
	classifier gocv.CascadeClassifier
	mu         sync.Mutex
}

// NewCascadeLocator lädt die Kaskade aus cascade_path (Datei oder Verzeichnis)
// oder einem der üblichen Installationspfade
func NewCascadeLocator(cfg config.OpenCVConfig) (*CascadeLocator, error) {
	candidates := []string{cfg.CascadePath}
	if info, err := os.Stat(cfg.CascadePath); err == nil && info.IsDir() {
		candidates = []string{filepath.Join(cfg.CascadePath, cascadeFile)}
	}
	candidates = append(candidates,
		filepath.Join("models", cascadeFile),
		filepath.Join("/usr/share/opencv4/haarcascades", cascadeFile),
		filepath.Join("/usr/local/share/opencv4/haarcascades", cascadeFile),
		filepath.Join("/usr/share/opencv/haarcascades", cascadeFile),
	)

	classifier := gocv.NewCascadeClassifier()
	for _, path := range candidates {
		if !fileExists(path) {
			continue
		}
		if classifier.Load(path) {
			log.Infof("Loaded face cascade from %s", path)
			return &CascadeLocator{cfg: cfg, classifier: classifier}, nil
		}
		log.Warnf("Failed to load face cascade from %s", path)
	}
	classifier.Close()
	return nil, fmt.Errorf("no usable %s found (tried %v)", cascadeFile, candidates)
}

// Name liefert den Backend-Namen
func (l *CascadeLocator) Name() string {
	return config.BackendOpenCV
}

// IsAvailable ist für lokale Modelle immer wahr
func (l *CascadeLocator) IsAvailable(context.Context) bool {
	return true
}

// Locate liefert das größte Gesicht im Bild
func (l *CascadeLocator) Locate(ctx context.Context, img image.Image) (models.Region, error) {
	if err := ctx.Err(); err != nil {
		return models.Region{}, err
	}
	mat, err := toMat(img)
	if err != nil {
		return models.Region{}, err
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	minSize := image.Pt(l.cfg.MinSizeWidth, l.cfg.MinSizeHeight)

	l.mu.Lock()
	rects := l.classifier.DetectMultiScaleWithParams(gray, l.cfg.ScaleFactor, l.cfg.MinNeighbors, 0, minSize, image.Point{})
	l.mu.Unlock()

	// Die Kaskade liefert keine Konfidenz; jeder Treffer zählt als sicher
	regions := make([]models.Region, 0, len(rects))
	for _, r := range rects {
		regions = append(regions, models.RegionFromRect(r.Add(img.Bounds().Min), 1))
	}
	return detector.SelectProminent(regions, 0, false)
}

// Close gibt die Kaskade frei
func (l *CascadeLocator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classifier.Close()
}
