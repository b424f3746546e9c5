// Package httpfetch provides the shared "GET JSON from an upstream,
// degrade on failure" helper every collector agent builds on: per-call
// timeout, per-host circuit breaker and rate limit, and — only for
// callers that opt in — exponential-backoff retry on 429, per spec §4.3
// (whale feed pagination) and §5 ("only the whale feed's paginated fetch
// retries").
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sawpanic/signalsd/internal/breaker"
	"github.com/sawpanic/signalsd/internal/ratelimit"
)

// Client composes an *http.Client with the breaker/rate-limit registries
// shared across all collector agents.
type Client struct {
	HTTP      *http.Client
	Breakers  *breaker.Registry
	Limiters  *ratelimit.Registry
	UserAgent string
}

func New(timeout time.Duration, breakers *breaker.Registry, limiters *ratelimit.Registry) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: timeout},
		Breakers:  breakers,
		Limiters:  limiters,
		UserAgent: "signalsd/1.0 (+https://github.com/sawpanic/signalsd)",
	}
}

// GetJSON performs a single GET, decoding the JSON body into out. It
// applies the host's rate limiter and circuit breaker but does not retry
// — most collector calls degrade to "no data" on a single failure rather
// than retrying, per spec §5.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	host := hostOf(rawURL)

	if c.Limiters != nil {
		if err := c.Limiters.Wait(ctx, host); err != nil {
			return fmt.Errorf("rate limit wait %s: %w", host, err)
		}
	}

	fetch := func() (any, error) {
		return c.doGet(ctx, rawURL, headers)
	}

	var body []byte
	if c.Breakers != nil {
		res, err := c.Breakers.Do(host, fetch)
		if err != nil {
			return err
		}
		body = res.([]byte)
	} else {
		res, err := fetch()
		if err != nil {
			return err
		}
		body = res.([]byte)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode json from %s: %w", host, err)
	}
	return nil
}

// GetJSONWithRetry retries on HTTP 429 with exponential backoff
// (baseDelay * 2^attempt), up to maxRetries, the algorithm the whale
// agent's paginated feed fetch uses.
func (c *Client) GetJSONWithRetry(ctx context.Context, rawURL string, headers map[string]string, out any, maxRetries int, baseDelay time.Duration) error {
	host := hostOf(rawURL)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if c.Limiters != nil {
			if err := c.Limiters.Wait(ctx, host); err != nil {
				return fmt.Errorf("rate limit wait %s: %w", host, err)
			}
		}

		body, status, err := c.doGetStatus(ctx, rawURL, headers)
		if err == nil && status == http.StatusOK {
			return json.Unmarshal(body, out)
		}
		if err == nil && status == http.StatusTooManyRequests && attempt < maxRetries {
			lastErr = fmt.Errorf("429 from %s", host)
			select {
			case <-time.After(baseDelay * time.Duration(1<<uint(attempt))):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("unexpected status %d from %s", status, host)
		}
		break
	}
	return lastErr
}

func (c *Client) doGet(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	body, status, err := c.doGetStatus(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", status, rawURL)
	}
	return body, nil
}

func (c *Client) doGetStatus(ctx context.Context, rawURL string, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
