package rules

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Config holds connection parameters for the filter-rule service.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client deletes filter rules over HTTP. Rules are addressed by the
// market/outcome pair they were created for.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a filter-rule service client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ Deleter = (*Client)(nil)

// DeleteRules removes every filter rule tagged with the given market and
// outcome. A 404 counts as success: the rules are gone either way.
func (c *Client) DeleteRules(ctx context.Context, marketID, outcomeID string) error {
	path := fmt.Sprintf("/rules/%s/%s", url.PathEscape(marketID), url.PathEscape(outcomeID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("rules: create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rules: delete rules for %s/%s: %w", marketID, outcomeID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("rules: delete rules for %s/%s: status %d", marketID, outcomeID, resp.StatusCode)
	}
}
