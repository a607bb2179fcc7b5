package ops

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for the health probe.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// HTTPProbe performs a single GET against the health endpoint, retrying
// transport errors and retryable statuses with exponential backoff. Any
// 2xx response counts as healthy.
type HTTPProbe struct {
	URL    string
	Client *http.Client
	Retry  RetryConfig
}

// NewHTTPProbe creates a probe with default retry behavior.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Retry:  DefaultRetryConfig(),
	}
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= p.Retry.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return fmt.Errorf("health request: %w", err)
		}
		resp, err := p.Client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("health probe: %w", err)
		} else {
			code := resp.StatusCode
			resp.Body.Close()
			if code >= 200 && code < 300 {
				return nil
			}
			lastErr = fmt.Errorf("health probe: unexpected status %d", code)
			if !p.shouldRetry(code) {
				return lastErr
			}
		}
		if attempt < p.Retry.MaxRetries {
			delay := p.calculateDelay(attempt)
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt+1).
				Int("max_retries", p.Retry.MaxRetries).
				Dur("delay", delay).
				Str("url", p.URL).
				Msg("Health probe failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

func (p *HTTPProbe) shouldRetry(statusCode int) bool {
	for _, code := range p.Retry.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates exponential backoff delay with jitter.
func (p *HTTPProbe) calculateDelay(attempt int) time.Duration {
	delay := float64(p.Retry.InitialDelay) * math.Pow(p.Retry.BackoffFactor, float64(attempt))

	// Apply jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(p.Retry.MaxDelay) {
		delay = float64(p.Retry.MaxDelay)
	}

	return time.Duration(delay)
}
