package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"attendguard/internal/photo"
)

// analyzeResponse is the /analyze payload.
type analyzeResponse struct {
	Quality       float64 `json:"quality"`
	FacesDetected int     `json:"faces_detected"`
	Hash          string  `json:"hash"`
}

// Client calls the photo analysis service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

var _ photo.Analyzer = (*Client)(nil)

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ScorePhoto asks the service to analyze the stored photo at photoRef.
// Quality comes back as 0..1 and is scaled to 0..100.
func (c *Client) ScorePhoto(ctx context.Context, photoRef string) (photo.Analysis, error) {
	if c.Skip {
		return photo.Analysis{QualityScore: 85, HasFace: true, FacesDetected: 1}, nil
	}
	if photoRef == "" {
		return photo.Analysis{}, fmt.Errorf("photo ref required")
	}

	body, _ := json.Marshal(map[string]string{"image_url": photoRef})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return photo.Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return photo.Analysis{}, fmt.Errorf("photo service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return photo.Analysis{}, fmt.Errorf("photo service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return photo.Analysis{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if math.IsNaN(out.Quality) || out.Quality < 0 || out.Quality > 1 {
		return photo.Analysis{}, fmt.Errorf("photo service returned quality %v outside 0..1", out.Quality)
	}

	return photo.Analysis{
		QualityScore:  int(math.Round(out.Quality * 100)),
		HasFace:       out.FacesDetected > 0,
		FacesDetected: out.FacesDetected,
		Hash:          out.Hash,
	}, nil
}

// Health checks if the photo service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("photo service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("photo service unhealthy: %s", resp.Status)
	}
	return nil
}
