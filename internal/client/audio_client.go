package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/makeasinger/moment/internal/config"
)

// StemSeparator splits a mixed track into stems on a remote audio service.
type StemSeparator interface {
	SeparateStems(ctx context.Context, req *SeparateRequest) (*SeparateResponse, error)
	HealthCheck(ctx context.Context) error
}

// AudioClient implements StemSeparator for the audio microservice
type AudioClient struct {
	httpClient *http.Client
	baseURL    string
}

// SeparateRequest asks the service to separate the track at AudioURL and
// store the stems under OutputPrefix.
type SeparateRequest struct {
	AudioURL     string `json:"audio_url"`
	OutputPrefix string `json:"output_prefix"`
}

// SeparateResponse maps stem names to their URLs.
type SeparateResponse struct {
	Stems    map[string]string `json:"stems"`
	Duration float64           `json:"duration,omitempty"`
}

// NewAudioClient creates a new audio processing client
func NewAudioClient(cfg *config.AudioConfig) *AudioClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &AudioClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.ServiceURL,
	}
}

// SeparateStems sends the final mix to the separation endpoint
func (c *AudioClient) SeparateStems(ctx context.Context, req *SeparateRequest) (*SeparateResponse, error) {
	var result SeparateResponse
	if err := c.post(ctx, "/separate", req, &result); err != nil {
		return nil, err
	}
	if len(result.Stems) == 0 {
		return nil, fmt.Errorf("audio service returned no stems")
	}
	return &result, nil
}

// HealthCheck checks if the audio service is available
func (c *AudioClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audio service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *AudioClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("audio service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *AudioClient) IsConfigured() bool {
	return c.baseURL != ""
}
