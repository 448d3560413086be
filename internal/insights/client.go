// Package insights proxies the auxiliary statistics service producing
// night and morning reports. The upstream is optional: every failure
// collapses into a fallback payload so caregiver dashboards keep
// rendering.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	pipeerrors "github.com/agingos/agingos-go-rewrite/internal/errors"
)

// maxBodyBytes bounds how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// Client is the outbound HTTP client for the insights service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for the given base URL. The API key is
// forwarded on every request; timeout is the per-request deadline.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         DialContextWithCache,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Unavailable is the fail-soft payload served when the upstream cannot
// be reached or returns garbage.
func Unavailable() map[string]any {
	return map[string]any{
		"note":      "insights unavailable",
		"findings":  []any{},
		"proposals": []any{},
	}
}

// Night fetches the night report. Failures are logged and replaced with
// the fallback payload; the caller always gets something to serve.
func (c *Client) Night(ctx context.Context) map[string]any {
	return c.fetch(ctx, "/insights/night")
}

// Morning fetches the morning report.
func (c *Client) Morning(ctx context.Context) map[string]any {
	return c.fetch(ctx, "/insights/morning")
}

func (c *Client) fetch(ctx context.Context, path string) map[string]any {
	if c.baseURL == "" {
		return Unavailable()
	}

	report, err := c.get(ctx, path)
	if err != nil {
		log.Warn().Err(pipeerrors.Upstreamf("insights.fetch", path, err)).
			Str("path", path).
			Msg("Insights upstream unavailable")
		return Unavailable()
	}
	return report
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	var report map[string]any
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return report, nil
}
