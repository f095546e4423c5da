// Package correction provides the HTTP client for the ML sidecar, which
// offers a learned logit-space correction of committed distributions and
// per-market meta-parameters. Both calls are best effort: callers fall back
// to the uncorrected distribution and default parameters on any failure.
package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentimarket/probengine/internal/crypto"
	"github.com/sentimarket/probengine/internal/domain"
)

const (
	correctionPath = "/v1/predict/correction"
	metaPath       = "/v1/predict/meta"
)

// MetaParams are per-market tunables learned by the sidecar. Temperature
// scales the softmax; Beta and WMin tune downstream blending and are carried
// for forward compatibility.
type MetaParams struct {
	Temperature float64 `json:"temperature"`
	Beta        float64 `json:"beta"`
	WMin        float64 `json:"w_min"`
}

// Config holds connection parameters for the ML sidecar.
type Config struct {
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
}

// Client talks to the ML sidecar over signed HTTP.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// New creates an ML sidecar client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		auth:    &crypto.HMACAuth{Key: cfg.APIKey, Secret: cfg.Secret},
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type correctionRequest struct {
	MarketID      string             `json:"market_id"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type correctionResponse struct {
	Probabilities map[string]float64 `json:"probabilities"`
}

// Correct asks the sidecar for a corrected version of the given distribution.
// The returned map has the same key set; any failure is an
// ExternalServiceError and the caller keeps the uncorrected distribution.
func (c *Client) Correct(ctx context.Context, marketID string, probs map[string]float64) (map[string]float64, error) {
	reqBody, err := json.Marshal(correctionRequest{MarketID: marketID, Probabilities: probs})
	if err != nil {
		return nil, fmt.Errorf("correction: marshal request: %w", err)
	}

	body, err := c.doPost(ctx, correctionPath, reqBody)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: "correction", Err: err}
	}

	var resp correctionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.ExternalServiceError{
			Service: "correction",
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}

	// A corrected distribution over a different outcome set is useless and
	// suspect; treat it as a failure.
	if len(resp.Probabilities) != len(probs) {
		return nil, &domain.ExternalServiceError{
			Service: "correction",
			Err:     fmt.Errorf("outcome set mismatch: got %d entries, want %d", len(resp.Probabilities), len(probs)),
		}
	}
	for id := range probs {
		if _, ok := resp.Probabilities[id]; !ok {
			return nil, &domain.ExternalServiceError{
				Service: "correction",
				Err:     fmt.Errorf("outcome %s missing from corrected distribution", id),
			}
		}
	}

	return resp.Probabilities, nil
}

type metaRequest struct {
	MarketID string `json:"market_id"`
}

// Meta returns the sidecar's learned meta-parameters for a market.
func (c *Client) Meta(ctx context.Context, marketID string) (MetaParams, error) {
	reqBody, err := json.Marshal(metaRequest{MarketID: marketID})
	if err != nil {
		return MetaParams{}, fmt.Errorf("correction: marshal meta request: %w", err)
	}

	body, err := c.doPost(ctx, metaPath, reqBody)
	if err != nil {
		return MetaParams{}, &domain.ExternalServiceError{Service: "correction", Err: err}
	}

	var params MetaParams
	if err := json.Unmarshal(body, &params); err != nil {
		return MetaParams{}, &domain.ExternalServiceError{
			Service: "correction",
			Err:     fmt.Errorf("decode meta response: %w", err),
		}
	}
	if params.Temperature <= 0 {
		return MetaParams{}, &domain.ExternalServiceError{
			Service: "correction",
			Err:     fmt.Errorf("non-positive temperature %v", params.Temperature),
		}
	}
	return params, nil
}

// doPost sends a signed POST request and returns the response body.
func (c *Client) doPost(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.auth.Headers(http.MethodPost, path, string(body)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return respBody, nil
}
