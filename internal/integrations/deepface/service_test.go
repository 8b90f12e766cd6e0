package deepface

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"facegate/config"
	"facegate/internal/core/detector"
	"facegate/internal/core/models"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewService(
		config.DeepFaceConfig{URL: srv.URL},
		config.RecognitionConfig{ModelName: "Facenet"},
		config.DetectionConfig{MinConfidence: 0.9},
		"opencv",
	)
}

func TestLocate(t *testing.T) {
	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/represent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req RepresentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.EnforceDetection {
			t.Error("enforce_detection must be false")
		}
		if req.DetectorBackend != "opencv" || req.ModelName != "Facenet" {
			t.Errorf("request = %+v", req)
		}
		if !strings.HasPrefix(req.Img, "data:image/jpeg;base64,") {
			t.Error("img must be a data URI")
		}
		json.NewEncoder(w).Encode(RepresentResponse{Results: []RepresentResult{
			{FacialArea: FacialArea{X: 1, Y: 2, W: 10, H: 10}, FaceConfidence: 0.99},
			{FacialArea: FacialArea{X: 30, Y: 30, W: 25, H: 25}, FaceConfidence: 0.7},
		}})
	})

	r, err := s.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 80, 80)))
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	want := models.Region{X: 30, Y: 30, W: 25, H: 25, Confidence: 0.7}
	if r != want {
		t.Errorf("region = %+v, want %+v", r, want)
	}
}

func TestLocateFullFrameFallbackIsNoFace(t *testing.T) {
	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RepresentResponse{Results: []RepresentResult{
			{FacialArea: FacialArea{X: 0, Y: 0, W: 40, H: 30}, FaceConfidence: 0},
		}})
	})

	_, err := s.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 30)))
	if !errors.Is(err, detector.ErrNoFace) {
		t.Errorf("err = %v, want ErrNoFace", err)
	}
}

func TestLocateBackendError(t *testing.T) {
	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusBadRequest)
	})

	_, err := s.Locate(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err == nil || errors.Is(err, detector.ErrNoFace) {
		t.Errorf("err = %v, want backend error", err)
	}
}

func TestVerify(t *testing.T) {
	refPath := filepath.Join(t.TempDir(), "ref.jpg")
	if err := os.WriteFile(refPath, []byte{0xff, 0xd8, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}

	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.DistanceMetric != "cosine" || req.EnforceDetection {
			t.Errorf("request = %+v", req)
		}
		if req.Img2 != "data:image/jpeg;base64,/9j/" {
			t.Errorf("img2 = %q", req.Img2)
		}
		json.NewEncoder(w).Encode(VerifyResponse{Verified: true, Distance: 0.31})
	})

	d, err := s.Verify(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)),
		models.Reference{Identity: "alice", Filename: "ref.jpg", Locator: refPath})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if d != 0.31 {
		t.Errorf("distance = %v", d)
	}
}

func TestVerifyServerError(t *testing.T) {
	refPath := filepath.Join(t.TempDir(), "ref.jpg")
	if err := os.WriteFile(refPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "face could not be detected", http.StatusBadRequest)
	})

	_, err := s.Verify(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)),
		models.Reference{Identity: "alice", Filename: "ref.jpg", Locator: refPath})
	if err == nil {
		t.Error("expected error")
	}
}
