package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
)

const (
	userAgent         = "ohlcv-aggregator/1.0"
	defaultMaxRetries = 3
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.5
	maxBodySize       = 16 << 20
	maxErrorSnippet   = 200
)

// restClient performs GET requests with bounded retries. Retries happen inside
// the caller's context, so the fetch deadline bounds them.
type restClient struct {
	name       string
	http       *http.Client
	logger     *slog.Logger
	maxRetries uint64
	initial    time.Duration
}

func newRestClient(name string, cfg AdapterConfig) *restClient {
	return &restClient{
		name: name,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     cfg.Logger,
		maxRetries: cfg.MaxRetries,
		initial:    initialRetryDelay,
	}
}

func (c *restClient) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if err := statusError(resp.StatusCode, data); err != nil {
			if resp.StatusCode == http.StatusTooManyRequests {
				if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
					c.logger.Warn("rate limited, waiting", "exchange", c.name, "retry_after", wait)
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return backoff.Permanent(err)
					}
				}
				return err
			}
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = maxRetryDelay
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("request failed, retrying", "exchange", c.name, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// statusError maps an HTTP status to the shared error sentinels.
func statusError(code int, body []byte) error {
	if code < 400 {
		return nil
	}

	snippet := string(body)
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet]
	}

	var kind error
	switch {
	case code == http.StatusTooManyRequests:
		kind = apperrors.ErrRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		kind = apperrors.ErrAuthentication
	case code == http.StatusNotFound:
		kind = apperrors.ErrNotSupported
	case code >= 500:
		kind = apperrors.ErrUnavailable
	default:
		kind = apperrors.ErrBadRequest
	}
	return fmt.Errorf("status %d: %s: %w", code, snippet, kind)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}
