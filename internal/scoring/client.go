// Package scoring provides the HTTP client for the external LLM scoring
// service, which judges raw social posts against a market's outcomes.
package scoring

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

const scorePath = "/v1/score"

// RawPost is an unscored social post handed to the scoring service.
type RawPost struct {
	PostID    string    `json:"post_id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Config holds connection parameters for the scoring service.
type Config struct {
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
}

// Client talks to the scoring service over signed HTTP. The service is an
// opaque producer: whatever it returns still goes through the evidence
// validator before touching any distribution.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// New creates a scoring service client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		auth:    &crypto.HMACAuth{Key: cfg.APIKey, Secret: cfg.Secret},
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type scoreRequest struct {
	MarketID string           `json:"market_id"`
	Question string           `json:"question"`
	Outcomes []domain.Outcome `json:"outcomes"`
	Posts    []RawPost        `json:"posts"`
}

// ScorePosts asks the scoring service to judge posts against the market's
// live outcome set. Any transport or decode failure is returned as an
// ExternalServiceError.
func (c *Client) ScorePosts(ctx context.Context, market domain.Market, posts []RawPost) (domain.EvidenceBatch, error) {
	if len(posts) == 0 {
		return domain.EvidenceBatch{}, nil
	}

	reqBody, err := json.Marshal(scoreRequest{
		MarketID: market.ID,
		Question: market.Question,
		Outcomes: market.Outcomes,
		Posts:    posts,
	})
	if err != nil {
		return domain.EvidenceBatch{}, fmt.Errorf("scoring: marshal request: %w", err)
	}

	body, err := c.doPost(ctx, scorePath, reqBody)
	if err != nil {
		return domain.EvidenceBatch{}, &domain.ExternalServiceError{Service: "scoring", Err: err}
	}

	var batch domain.EvidenceBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return domain.EvidenceBatch{}, &domain.ExternalServiceError{
			Service: "scoring",
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}
	return batch, nil
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
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
