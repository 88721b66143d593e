package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const maxWebResponseSize = 8 << 20

// HTTPStatusError is returned by [WebClient.GetJSON] for non-2xx responses
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// isHTTPStatus reports whether err is an [HTTPStatusError] with the given code
func isHTTPStatus(err error, code int) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// WebClient makes the outbound requests used by fun commands. Requests
// share a rate limiter, and are retried with exponential backoff on
// 429 and 5xx responses.
type WebClient struct {
	client  *http.Client
	config  *WebConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu           sync.Mutex
	pokemonNames []string
	pokemon      map[string]*Pokemon
}

func NewWebClient(config *WebConfig, httpClient *http.Client, logger *slog.Logger) *WebClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebClient{
		client:  httpClient,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:  logger,
		pokemon: map[string]*Pokemon{},
	}
}

// GetJSON fetches url and returns the response body. Responses other
// than 2xx return an [HTTPStatusError]. Only 429 and 5xx are retried.
func (w *WebClient) GetJSON(ctx context.Context, url string) ([]byte, error) {
	logger := contextLoggerOr(ctx, w.logger).With("url", url)
	attempt := 0

	operation := func() ([]byte, error) {
		attempt++
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", w.config.UserAgent)
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := w.client.Do(req)
		if err != nil {
			logger.WarnContext(ctx, "request failed", tint.Err(err), "attempt", attempt)
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		logger.DebugContext(
			ctx,
			"response received",
			"status", resp.StatusCode,
			"elapsed", time.Since(start),
			"attempt", attempt,
		)

		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if seconds, e := strconv.Atoi(resp.Header.Get("Retry-After")); e == nil {
				return nil, backoff.RetryAfter(seconds)
			}
			return nil, statusErr
		case resp.StatusCode >= http.StatusInternalServerError:
			return nil, statusErr
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, backoff.Permanent(statusErr)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebResponseSize))
		if err != nil {
			return nil, fmt.Errorf("error reading response: %w", err)
		}
		return body, nil
	}

	body, err := backoff.Retry(
		ctx,
		operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(w.config.MaxRetries+1),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}
