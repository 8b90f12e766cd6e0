package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"facegate/config"
	"facegate/internal/core/detector"
	"facegate/internal/integrations/compreface"
	"facegate/internal/integrations/deepface"
	"facegate/internal/integrations/opencv"

	log "github.com/sirupsen/logrus"
)

// Backends bündelt den aktiven Locator und Verifier
type Backends struct {
	Locator      detector.Locator
	Verifier     detector.Verifier
	LocatorName  string
	VerifierName string

	closers []io.Closer
}

// Available meldet die Erreichbarkeit der aktiven Backends
func (b *Backends) Available(ctx context.Context) map[string]bool {
	out := make(map[string]bool, 2)
	for _, v := range []any{b.Locator, b.Verifier} {
		if be, ok := v.(detector.Backend); ok {
			out[be.Name()] = be.IsAvailable(ctx)
		}
	}
	return out
}

// Close gibt lokale Modelle frei
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateBackends erstellt Locator und Verifier basierend auf der Konfiguration
func CreateBackends(cfg *config.Config) (*Backends, error) {
	b := &Backends{
		LocatorName:  cfg.Detection.Backend,
		VerifierName: cfg.Verifier.Provider,
	}

	locator, err := createLocator(cfg, b)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create %s locator: %w", cfg.Detection.Backend, err)
	}
	b.Locator = locator

	verifier, err := createVerifier(cfg, b)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create %s verifier: %w", cfg.Verifier.Provider, err)
	}
	b.Verifier = verifier

	log.Infof("Active backends: locator=%s verifier=%s model=%s", b.LocatorName, b.VerifierName, cfg.Recognition.ModelName)
	return b, nil
}

func createLocator(cfg *config.Config, b *Backends) (detector.Locator, error) {
	switch cfg.Detection.Backend {
	case config.BackendOpenCV:
		l, err := opencv.NewCascadeLocator(cfg.OpenCV)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, l)
		return l, nil
	case config.BackendYuNet:
		l, err := opencv.NewYuNetLocator(cfg.OpenCV, cfg.Detection)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, l)
		return l, nil
	case config.BackendDeepFace:
		return deepface.NewService(cfg.DeepFace, cfg.Recognition, cfg.Detection, DeepFaceDetector(cfg.Detection.Backend)), nil
	case config.BackendCompreFace:
		return compreface.NewService(cfg.CompreFace, cfg.Detection), nil
	}
	return nil, fmt.Errorf("unknown detection backend %q", cfg.Detection.Backend)
}

func createVerifier(cfg *config.Config, b *Backends) (detector.Verifier, error) {
	switch cfg.Verifier.Provider {
	case config.BackendDeepFace:
		return deepface.NewService(cfg.DeepFace, cfg.Recognition, cfg.Detection, DeepFaceDetector(cfg.Detection.Backend)), nil
	case config.BackendCompreFace:
		return compreface.NewService(cfg.CompreFace, cfg.Detection), nil
	case config.BackendOpenCV:
		v, err := opencv.NewSFaceVerifier(cfg.OpenCV, b.Locator, cfg.Verifier.EmbeddingCacheTTL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, v)
		return v, nil
	}
	return nil, fmt.Errorf("unknown verifier provider %q", cfg.Verifier.Provider)
}

// DeepFaceDetector bildet detection.backend auf den detector_backend von DeepFace ab.
// DeepFace kennt opencv und yunet selbst; sonst gilt der Standard "opencv".
func DeepFaceDetector(backend string) string {
	switch backend {
	case config.BackendOpenCV, config.BackendYuNet:
		return backend
	}
	return config.BackendOpenCV
}
