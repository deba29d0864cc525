// Package assessor implements the county assessor API collector. The
// upstream is an authenticated JSON API with a vendor-specific auth header
// carrying the token verbatim (no Bearer prefix).
package assessor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/ratelimit"
	"github.com/bananahana720/phx-property-collector/internal/resilience"
)

// default429Backoff is used when a 429 response carries no Retry-After.
const default429Backoff = 5 * time.Second

// searchPageSize is the upstream page size for zip searches.
const searchPageSize = 25

// Client is the assessor API collector.
type Client struct {
	cfg     config.AssessorConfig
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   resilience.RetryConfig
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryConfig overrides the retry policy (tests).
func WithRetryConfig(rc resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = rc }
}

// NewClient creates an assessor Client. Every outbound request passes
// through the limiter before it is issued.
func NewClient(cfg config.AssessorConfig, limiter *ratelimit.Limiter, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		limiter: limiter,
		http: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    cfg.MaxRetries,
			InitialBackoff: time.Second,
			JitterFraction: 0.25,
			OnRetry:        resilience.RetryLogger("assessor", "request"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements collect.Collector.
func (c *Client) Name() string { return "assessor" }

// Supports implements collect.Collector: the assessor serves zip searches
// and APN detail lookups.
func (c *Client) Supports(q collect.Query) bool {
	return q.Zip != "" || q.APN != ""
}

// Close implements collect.Collector. The shared transport is torn down.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Collect implements collect.Collector, streaming one payload per record.
func (c *Client) Collect(ctx context.Context, q collect.Query) (<-chan collect.Item, error) {
	if !c.Supports(q) {
		return nil, eris.Errorf("assessor: unsupported query")
	}

	out := make(chan collect.Item)
	go func() {
		defer close(out)
		if q.APN != "" {
			payload, err := c.PropertyDetails(ctx, q.APN)
			emit(ctx, out, payload, err)
			return
		}
		payloads, err := c.SearchByZipcode(ctx, q.Zip, q.Limit)
		if err != nil {
			emit(ctx, out, nil, err)
			return
		}
		for _, p := range payloads {
			if !emit(ctx, out, p, nil) {
				return
			}
		}
	}()
	return out, nil
}

func emit(ctx context.Context, out chan<- collect.Item, p *collect.RawPayload, err error) bool {
	select {
	case out <- collect.Item{Payload: p, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}

// searchPage is the lenient shape of one zip-search response page.
type searchPage struct {
	Results   []json.RawMessage `json:"results"`
	TotalRows int               `json:"total_rows"`
}

// SearchByZipcode pulls property records for a zip code, following
// pagination until limit records are gathered or the upstream is exhausted.
// Limit <= 0 means no cap.
func (c *Client) SearchByZipcode(ctx context.Context, zip string, limit int) ([]*collect.RawPayload, error) {
	var out []*collect.RawPayload
	for page := 1; ; page++ {
		src := fmt.Sprintf("%s/search/property/?q=%s&page=%d", c.cfg.BaseURL, zip, page)
		body, err := c.request(ctx, src)
		if err != nil {
			return nil, err
		}

		var parsed searchPage
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, errs.Wrap(errs.KindDataCollection, err, "decode zip search response").
				With("zip", zip).With("page", page)
		}

		for _, rec := range parsed.Results {
			out = append(out, collect.NewRawPayload(
				"maricopa", externalID(rec), collect.ContentJSON, rec,
			))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}

		if len(parsed.Results) < searchPageSize || len(out) >= parsed.TotalRows {
			break
		}
	}
	zap.L().Info("assessor zip search complete",
		zap.String("zip", zip), zap.Int("records", len(out)))
	return out, nil
}

// PropertyDetails fetches one parcel record by APN.
func (c *Client) PropertyDetails(ctx context.Context, apn string) (*collect.RawPayload, error) {
	body, err := c.request(ctx, fmt.Sprintf("%s/parcel/%s", c.cfg.BaseURL, apn))
	if err != nil {
		return nil, err
	}
	return collect.NewRawPayload("maricopa", apn, collect.ContentJSON, body), nil
}

// request performs one rate-limited GET with retries. Retriable failures
// (5xx, connection reset, timeout, 429) back off exponentially with jitter;
// a 429 honors the server-suggested interval. Other 4xx surface immediately.
func (c *Client) request(ctx context.Context, url string) ([]byte, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrap(err, "assessor: build request")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "assessor: request")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "assessor: read response body")
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, resilience.NewRateLimitedError(
				eris.Errorf("assessor: rate limited (429)"),
				retryAfter(resp, default429Backoff),
			)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(
				eris.Errorf("assessor: server error %d", resp.StatusCode),
				resp.StatusCode,
			)
		default:
			return nil, errs.New(errs.KindDataCollection, "assessor request rejected").
				With("status", resp.StatusCode).With("url", url)
		}
	})
}

// retryAfter parses the Retry-After header (delta-seconds form), falling
// back to def.
func retryAfter(resp *http.Response, def time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

// externalID extracts a stable external identifier from a raw record,
// preferring the APN. Falls back to the payload hash.
func externalID(rec json.RawMessage) string {
	var probe struct {
		APN  string `json:"apn"`
		APN2 string `json:"APN"`
	}
	if err := json.Unmarshal(rec, &probe); err == nil {
		if probe.APN != "" {
			return probe.APN
		}
		if probe.APN2 != "" {
			return probe.APN2
		}
	}
	return collect.HashPayload(rec)
}
