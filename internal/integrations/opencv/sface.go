package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"facegate/config"
	"facegate/internal/codec"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"

	"github.com/patrickmn/go-cache"
	"gocv.io/x/gocv"
	log "github.com/sirupsen/logrus"
)

// SFace erwartet 112x112 Eingaben und liefert 128 Dimensionen
const (
	sfaceInputSize = 112
	sfaceDims      = 128
)

// SFaceVerifier vergleicht Gesichter über SFace-Embeddings und Kosinus-Distanz
type SFaceVerifier struct {
	net     gocv.Net
	locator detector.Locator // sucht das Gesicht im Referenzbild
	cache   *cache.Cache
	mu      sync.Mutex
}

// NewSFaceVerifier lädt das SFace-ONNX-Modell. locator darf nil sein; dann
// wird immer das ganze Referenzbild eingebettet.
func NewSFaceVerifier(cfg config.OpenCVConfig, locator detector.Locator, cacheTTL time.Duration) (*SFaceVerifier, error) {
	if !fileExists(cfg.SFaceModelPath) {
		return nil, fmt.Errorf("model file not found: %s", cfg.SFaceModelPath)
	}
	net := gocv.ReadNet(cfg.SFaceModelPath, "")
	if net.Empty() {
		return nil, fmt.Errorf("failed to load SFace model from %s", cfg.SFaceModelPath)
	}
	backend, target := netBackend(cfg.UseGPU)
	if err := net.SetPreferableBackend(backend); err != nil {
		log.WithError(err).Warn("Failed to set DNN backend")
	}
	if err := net.SetPreferableTarget(target); err != nil {
		log.WithError(err).Warn("Failed to set DNN target")
	}

	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	log.Infof("SFace model loaded from %s (embedding cache TTL %s)", cfg.SFaceModelPath, cacheTTL)
	return &SFaceVerifier{
		net:     net,
		locator: locator,
		cache:   cache.New(cacheTTL, 2*cacheTTL),
	}, nil
}

// Name liefert den Backend-Namen
func (v *SFaceVerifier) Name() string {
	return config.BackendOpenCV
}

// IsAvailable ist für lokale Modelle immer wahr
func (v *SFaceVerifier) IsAvailable(context.Context) bool {
	return true
}

// Verify liefert die Kosinus-Distanz zwischen Probe und Referenz
func (v *SFaceVerifier) Verify(ctx context.Context, probe image.Image, ref models.Reference) (float64, error) {
	probeEmb, err := v.embed(probe)
	if err != nil {
		return 0, fmt.Errorf("probe embedding: %w", err)
	}
	refEmb, err := v.referenceEmbedding(ctx, ref)
	if err != nil {
		return 0, err
	}
	return cosineDistance(probeEmb, refEmb), nil
}

// Invalidate entfernt alle zwischengespeicherten Embeddings einer Referenz
func (v *SFaceVerifier) Invalidate(ref models.Reference) {
	prefix := ref.Locator + "@"
	for key := range v.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			v.cache.Delete(key)
		}
	}
}

func (v *SFaceVerifier) referenceEmbedding(ctx context.Context, ref models.Reference) ([]float32, error) {
	info, err := os.Stat(ref.Locator)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", ref.Key(), err)
	}
	key := fmt.Sprintf("%s@%d", ref.Locator, info.ModTime().UnixNano())
	if emb, ok := v.cache.Get(key); ok {
		return emb.([]float32), nil
	}

	raw, err := os.ReadFile(ref.Locator)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", ref.Key(), err)
	}
	img, err := codec.DecodeRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", ref.Key(), err)
	}

	// Ohne Gesicht wird die ganze Referenz eingebettet
	face := image.Image(img)
	if v.locator != nil {
		region, err := v.locator.Locate(ctx, img)
		switch {
		case err == nil:
			face = codec.Crop(img, region.Rect())
		case errors.Is(err, detector.ErrNoFace):
			log.WithField("reference", ref.Key()).Debug("No face in reference, embedding full image")
		default:
			return nil, fmt.Errorf("reference %s: %w", ref.Key(), err)
		}
	}

	emb, err := v.embed(face)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", ref.Key(), err)
	}
	v.cache.SetDefault(key, emb)
	return emb, nil
}

func (v *SFaceVerifier) embed(img image.Image) ([]float32, error) {
	mat, err := toMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(sfaceInputSize, sfaceInputSize), 0, 0, gocv.InterpolationLinear)

	blob := gocv.BlobFromImage(
		resized,
		1.0/127.5,
		image.Pt(sfaceInputSize, sfaceInputSize),
		gocv.NewScalar(127.5, 127.5, 127.5, 0),
		true,
		false,
	)
	defer blob.Close()

	v.mu.Lock()
	v.net.SetInput(blob, "")
	output := v.net.Forward("")
	v.mu.Unlock()
	defer output.Close()

	if output.Total() < sfaceDims {
		return nil, fmt.Errorf("unexpected embedding size %d", output.Total())
	}
	emb := make([]float32, sfaceDims)
	for i := range emb {
		emb[i] = output.GetFloatAt(0, i)
	}
	return normalize(emb), nil
}

// Close gibt das Netz frei
func (v *SFaceVerifier) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.net.Close()
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// cosineDistance erwartet normierte Vektoren; Ergebnis liegt in [0, 2]
func cosineDistance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	d := 1 - dot
	if d < 0 {
		d = 0
	}
	return d
}
