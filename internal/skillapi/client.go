// Package skillapi is a client for the skill management API: skill
// creation, stage manifests, interaction models and build status.
package skillapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL  = "https://api.amazonalexa.com"
	DefaultTokenURL = "https://api.amazon.com/auth/o2/token"

	defaultMaxRetries        = 3
	defaultTimeoutSeconds    = 60
	defaultRequestsPerSecond = 5
)

// Config holds the settings shared by every client the provider builds.
// Credentials are supplied per run through a token source.
type Config struct {
	BaseURL           string
	TokenURL          string
	TimeoutSeconds    int
	MaxRetries        int // negative selects the default
	RequestsPerSecond float64
	DestroyRemote     bool
}

// Client talks to the skill management API on behalf of one vendor.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseURL    string

	// backoff returns the wait before retry attempt n (n >= 1).
	backoff func(n int) time.Duration
}

// NewClient builds a client that authenticates every request with tokens
// from ts.
func NewClient(cfg Config, ts oauth2.TokenSource) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	timeoutSec := cfg.TimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeoutSeconds
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	baseURL := DefaultBaseURL
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   time.Duration(timeoutSec) * time.Second,
			Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
		},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: maxRetries,
		baseURL:    baseURL,
		backoff: func(n int) time.Duration {
			return time.Duration(math.Pow(2, float64(n-1))) * time.Second
		},
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends a JSON request and decodes a JSON response into result when
// result is non-nil. 429 and 5xx responses are retried up to maxRetries
// times, honouring Retry-After when the server sends one.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, result interface{}) (*response, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("skillapi: marshal request body: %w", err)
		}
	}

	var lastErr error
	var wait time.Duration

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = c.backoff(attempt)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait = 0
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("skillapi: rate limiter: %w", err)
		}

		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("skillapi: create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("skillapi: %s %s: %w", method, path, err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("skillapi: read response body: %w", err)
			continue
		}

		tflog.Trace(ctx, "skill api response", map[string]interface{}{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		})

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if result != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, result); err != nil {
					return nil, fmt.Errorf("skillapi: decode response: %w", err)
				}
			}
			return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
		}

		apiErr := parseAPIError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = apiErr
			wait = retryAfter(resp.Header)
			continue
		}
		return nil, apiErr
	}

	if lastErr != nil {
		return nil, fmt.Errorf("skillapi: request failed after %d retries: %w", c.maxRetries, lastErr)
	}
	return nil, fmt.Errorf("skillapi: request failed after %d retries", c.maxRetries)
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// parseAPIError decodes the platform's error body:
// {"message": "...", "violations": [{"code": "...", "message": "..."}]}.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body}
	_ = json.Unmarshal(body, apiErr)
	return apiErr
}
