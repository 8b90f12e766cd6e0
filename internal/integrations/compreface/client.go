package compreface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"facegate/config"

	log "github.com/sirupsen/logrus"
)

// ErrNoFaceFound meldet CompreFace mit Code 28, wenn im Bild kein Gesicht ist
var ErrNoFaceFound = errors.New("compreface: no face found in image")

// CompreFace-Fehlercode für "No face is found in the given image"
const codeNoFace = 28

// Client für die Detection- und Verification-Dienste von CompreFace
type Client struct {
	config     config.CompreFaceConfig
	httpClient *http.Client
}

// Box repräsentiert die Begrenzungsbox eines Gesichts
type Box struct {
	Probability float64 `json:"probability"`
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
}

// DetectionResponse repräsentiert die Antwort des Detection-Dienstes
type DetectionResponse struct {
	Result []struct {
		Box Box `json:"box"`
	} `json:"result"`
}

// FaceMatch ist ein Gesicht im Zielbild samt Ähnlichkeit zum Quellgesicht
type FaceMatch struct {
	Box        Box     `json:"box"`
	Similarity float64 `json:"similarity"`
}

// VerificationResponse repräsentiert die Antwort des Verification-Dienstes
type VerificationResponse struct {
	Result []struct {
		SourceImageFace struct {
			Box Box `json:"box"`
		} `json:"source_image_face"`
		FaceMatches []FaceMatch `json:"face_matches"`
	} `json:"result"`
}

// BestSimilarity liefert die höchste Ähnlichkeit aller Treffer
func (r *VerificationResponse) BestSimilarity() (float64, bool) {
	best, found := 0.0, false
	for _, res := range r.Result {
		for _, m := range res.FaceMatches {
			if !found || m.Similarity > best {
				best, found = m.Similarity, true
			}
		}
	}
	return best, found
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// NewClient erstellt einen neuen CompreFace-Client
func NewClient(cfg config.CompreFaceConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping prüft, ob der CompreFace-Dienst erreichbar ist
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

// Detect sendet ein Bild an den Detection-Dienst
func (c *Client) Detect(ctx context.Context, imageData []byte, detProbThreshold float64) ([]Box, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := addFile(writer, "file", "probe.jpg", imageData); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	params := url.Values{}
	params.Set("det_prob_threshold", strconv.FormatFloat(detProbThreshold, 'f', 2, 64))

	var result DetectionResponse
	if err := c.post(ctx, "/api/v1/detection/detect", params, c.config.DetectionAPIKey, writer.FormDataContentType(), body, &result); err != nil {
		return nil, err
	}

	boxes := make([]Box, 0, len(result.Result))
	for _, r := range result.Result {
		boxes = append(boxes, r.Box)
	}
	log.Debugf("CompreFace detected %d faces", len(boxes))
	return boxes, nil
}

// Verify vergleicht das Gesicht in source mit den Gesichtern in target
func (c *Client) Verify(ctx context.Context, source, target []byte) (*VerificationResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := addFile(writer, "source_image", "source.jpg", source); err != nil {
		return nil, err
	}
	if err := addFile(writer, "target_image", "target.jpg", target); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	var result VerificationResponse
	if err := c.post(ctx, "/api/v1/verification/verify", nil, c.config.VerificationAPIKey, writer.FormDataContentType(), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func addFile(w *multipart.Writer, field, filename string, data []byte) error {
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write image data: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, params url.Values, apiKey, contentType string, body io.Reader, out any) error {
	apiURL, err := url.JoinPath(c.config.URL, path)
	if err != nil {
		return fmt.Errorf("failed to create API URL: %w", err)
	}
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-api-key", apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	log.Debugf("CompreFace request %s took %s", path, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		var apiErr apiError
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Code == codeNoFace {
			return ErrNoFaceFound
		}
		return fmt.Errorf("CompreFace API returned error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
