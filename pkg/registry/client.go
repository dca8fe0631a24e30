package registry

import (
	"context"
	"net/http"
	"time"

	"offload/pkg/log"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultProbeTimeout bounds a single liveness probe.
const DefaultProbeTimeout = 3 * time.Second

// NewRetryableClient creates the HTTP client used for registry and peer calls.
// A retryMax of zero disables retries entirely.
func NewRetryableClient(retryMax int, retryWaitMin, retryWaitMax time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = nil
	client.CheckRetry = retryOnTransportError
	return client
}

// retryOnTransportError retries only when no response was received.
// Any HTTP status, including 5xx, is handed back to the caller as-is.
func retryOnTransportError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if resp != nil {
		return false, nil
	}

	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the final error itself
	}

	return false, nil
}

// Prober checks whether a base URL answers its liveness endpoint.
type Prober interface {
	Probe(ctx context.Context, baseURL string) error
}

// HTTPProber issues GET {baseURL}/health and treats 200 as alive.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober whose requests never outlive timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe performs one liveness check.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close health probe response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
