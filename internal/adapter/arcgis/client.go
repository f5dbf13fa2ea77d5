// Package arcgis fetches overflow monitor features from ArcGIS
// FeatureServer layers.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/discharge-tracker/internal/config"
	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
)

// maxPages stops a server that never clears exceededTransferLimit.
const maxPages = 200

// Client queries one FeatureServer layer.
type Client struct {
	sourceID   string
	queryURL   string
	pageSize   int
	maxRetries int
	orderBy    string

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewClient creates a client for the source's layer URL.
func NewClient(src config.SourceConfig, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if src.OrderBy == "" {
		src.OrderBy = config.DefaultOrderBy
	}
	return &Client{
		sourceID:    src.ID,
		queryURL:    src.URL + "/query",
		pageSize:    src.PageSize,
		maxRetries:  src.MaxRetries,
		orderBy:     src.OrderBy,
		httpClient:  &http.Client{Timeout: src.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(src.RatePerSecond), 1),
		logger:      logger.With("source_id", src.ID),
		metrics:     metrics,
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  5 * time.Second,
	}
}

// SourceID returns the source this client fetches.
func (c *Client) SourceID() string { return c.sourceID }

// FetchAll returns every feature of the layer, following pagination. Any
// failure is returned as a *domain.FetchError and no partial snapshot is
// returned, since a partial snapshot would end events that are still
// discharging.
func (c *Client) FetchAll(ctx context.Context) ([]domain.RawFeature, error) {
	var out []domain.RawFeature
	offset := 0
	for page := 0; page < maxPages; page++ {
		resp, err := c.fetchPageWithRetry(ctx, offset)
		if err != nil {
			return nil, &domain.FetchError{SourceID: c.sourceID, Err: err}
		}
		for _, f := range resp.Features {
			out = append(out, f.toRaw())
		}
		if !resp.ExceededTransferLimit || len(resp.Features) == 0 {
			c.metrics.FeaturesFetched.WithLabelValues(c.sourceID).Add(float64(len(out)))
			return out, nil
		}
		offset += len(resp.Features)
	}
	return nil, &domain.FetchError{SourceID: c.sourceID, Err: fmt.Errorf("more than %d pages", maxPages)}
}

func (c *Client) fetchPageWithRetry(ctx context.Context, offset int) (*queryResponse, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying feature query",
				"attempt", attempt,
				"offset", offset,
				"backoff", backoff,
				"error", lastErr,
			)
			if !retry.SleepWithContext(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff = retry.NextBackoff(backoff, c.maxBackoff)
		}

		resp, err := c.fetchPage(ctx, offset)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) fetchPage(ctx context.Context, offset int) (*queryResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{
		"where":             {"1=1"},
		"outFields":         {"*"},
		"outSR":             {"4326"},
		"f":                 {"json"},
		"orderByFields":     {c.orderBy},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(c.pageSize)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.FetchAPIDuration.WithLabelValues(c.sourceID).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &retryableError{fmt.Errorf("query request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("feature service error: status %d: %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{err}
		}
		return nil, err
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	// ArcGIS reports query failures in a 200 body.
	if qr.Error != nil {
		err := fmt.Errorf("feature service error: code %d: %s", qr.Error.Code, qr.Error.Message)
		if qr.Error.Code >= 500 {
			return nil, &retryableError{err}
		}
		return nil, err
	}
	return &qr, nil
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// FeatureServer query response types.

type queryResponse struct {
	Features              []feature `json:"features"`
	ExceededTransferLimit bool      `json:"exceededTransferLimit"`
	Error                 *apiError `json:"error,omitempty"`
}

type feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *point         `json:"geometry,omitempty"`
}

type point struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f feature) toRaw() domain.RawFeature {
	raw := domain.RawFeature{Attributes: f.Attributes}
	if raw.Attributes == nil {
		raw.Attributes = map[string]any{}
	}
	if f.Geometry != nil && f.Geometry.X != nil && f.Geometry.Y != nil {
		raw.Geometry = &domain.Geo{Lat: *f.Geometry.Y, Lon: *f.Geometry.X}
	}
	return raw
}
