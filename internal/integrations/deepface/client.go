// Package deepface spricht mit dem HTTP-API-Server von DeepFace
// (/represent und /verify).
package deepface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"facegate/config"

	log "github.com/sirupsen/logrus"
)

// RepresentRequest für POST /represent
type RepresentRequest struct {
	Img              string `json:"img"`
	ImgPath          string `json:"img_path"` // ältere API-Versionen lesen nur img_path
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	EnforceDetection bool   `json:"enforce_detection"`
	Align            bool   `json:"align"`
}

// RepresentResponse von POST /represent
type RepresentResponse struct {
	Results []RepresentResult `json:"results"`
}

// RepresentResult ist ein Gesicht samt Embedding
type RepresentResult struct {
	Embedding      []float64  `json:"embedding"`
	FacialArea     FacialArea `json:"facial_area"`
	FaceConfidence float64    `json:"face_confidence"`
}

// FacialArea ist die Gesichtsregion im Eingabebild
type FacialArea struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// VerifyRequest für POST /verify
type VerifyRequest struct {
	Img1             string `json:"img1"`
	Img2             string `json:"img2"`
	Img1Path         string `json:"img1_path"`
	Img2Path         string `json:"img2_path"`
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	DistanceMetric   string `json:"distance_metric"`
	EnforceDetection bool   `json:"enforce_detection"`
	Align            bool   `json:"align"`
}

// VerifyResponse von POST /verify
type VerifyResponse struct {
	Verified  bool    `json:"verified"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
	Model     string  `json:"model"`
	Metric    string  `json:"similarity_metric"`
	Time      float64 `json:"time"`
}

// Client für den DeepFace-API-Server
type Client struct {
	config     config.DeepFaceConfig
	httpClient *http.Client
}

// NewClient erstellt einen neuen DeepFace-Client
func NewClient(cfg config.DeepFaceConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Ping prüft, ob der DeepFace-Server antwortet
func (c *Client) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError, nil
}

// Represent ruft POST /represent auf
func (c *Client) Represent(ctx context.Context, req RepresentRequest) (*RepresentResponse, error) {
	var out RepresentResponse
	if err := c.post(ctx, "/represent", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify ruft POST /verify auf
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	apiURL, err := url.JoinPath(c.config.URL, path)
	if err != nil {
		return fmt.Errorf("failed to create API URL: %w", err)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	log.Debugf("DeepFace request %s took %s", path, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("DeepFace API returned error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
