package facematch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTolerance is the matcher's native distance threshold; lower values
// are stricter.
const DefaultTolerance = 0.6

// Result summarizes one comparison. An image with no detectable face yields
// Matched=false with FacesDetected reporting what was found; that is a
// verification failure, not an error.
type Result struct {
	Matched       bool
	Similarity    float64
	FacesDetected int
}

// Matcher compares a student's stored reference image against a probe image.
// It is an injected capability so the verification engine can run against a
// deterministic fake in tests.
type Matcher interface {
	Match(ctx context.Context, refImage, probeImage []byte, tolerance float64) (Result, error)
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a matcher client. Face comparison can take a while, but
// the verification deadline upstream bounds each call; the client timeout is
// only a backstop.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Match posts both images to the service's compare endpoint.
func (c *Client) Match(ctx context.Context, refImage, probeImage []byte, tolerance float64) (Result, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	body, err := json.Marshal(map[string]any{
		"reference_image": base64.StdEncoding.EncodeToString(refImage),
		"probe_image":     base64.StdEncoding.EncodeToString(probeImage),
		"tolerance":       tolerance,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("face service error %s: %s", resp.Status, string(msg))
	}

	var out struct {
		Match         bool    `json:"match"`
		Similarity    float64 `json:"similarity"`
		FacesDetected int     `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.FacesDetected == 0 {
		return Result{Matched: false, FacesDetected: 0}, nil
	}
	return Result{Matched: out.Match, Similarity: out.Similarity, FacesDetected: out.FacesDetected}, nil
}

// Health checks the face service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// Static is a fixed-verdict matcher for dev mode and tests.
type Static struct {
	Result Result
	Err    error
}

// Match returns the configured verdict.
func (s Static) Match(ctx context.Context, refImage, probeImage []byte, tolerance float64) (Result, error) {
	return s.Result, s.Err
}
