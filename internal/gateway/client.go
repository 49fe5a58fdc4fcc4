package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// newHTTPClient returns a client tuned for repeated calls to the same
// provider hosts. The client timeout is a safety net; per-call deadlines
// come from the circuit breaker's context.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   35 * time.Second,
	}
}

// apiClient wraps JSON request/response plumbing against one provider.
type apiClient struct {
	provider string
	http     *http.Client
}

func (c *apiClient) do(ctx context.Context, method, url string, headers map[string]string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.provider, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.provider, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &RejectedError{
			Provider: c.provider,
			Code:     fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:  string(data),
		}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: server error %d", c.provider, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.provider, err)
		}
	}
	return nil
}

func (c *apiClient) postJSON(ctx context.Context, url string, headers map[string]string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, url, headers, body, out)
}

func (c *apiClient) getJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, headers, nil, out)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
