package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// IndexClient implements Node over HTTP against a federation discovery node.
type IndexClient struct {
	baseURL    string
	httpClient *http.Client
}

// IndexConfig configures the index client.
type IndexConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewIndexClient creates an HTTP discovery-node client.
func NewIndexClient(cfg IndexConfig) (*IndexClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("index base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &IndexClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Publish posts the announcement and returns the server-stamped copy.
func (c *IndexClient) Publish(ctx context.Context, topic string, resource Resource) (*Resource, error) {
	var stamped Resource
	endpoint := fmt.Sprintf("%s/v1/topics/%s/resources", c.baseURL, url.PathEscape(topic))
	if err := c.postJSON(ctx, endpoint, resource, &stamped); err != nil {
		return nil, err
	}
	return &stamped, nil
}

// Search queries the node's index.
func (c *IndexClient) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	var result SearchResult
	endpoint := c.baseURL + "/v1/resources/search"
	if err := c.postJSON(ctx, endpoint, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats fetches the node's view of a topic.
func (c *IndexClient) Stats(ctx context.Context, topic string) (*TopicStats, error) {
	endpoint := fmt.Sprintf("%s/v1/topics/%s/stats", c.baseURL, url.PathEscape(topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery node returned status %d", resp.StatusCode)
	}

	var stats TopicStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func (c *IndexClient) postJSON(ctx context.Context, endpoint string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("discovery node returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
