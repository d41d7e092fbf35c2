package manifest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/transomlabs/transom/internal/infrastructure/resilience"
)

const defaultFetchTimeout = 30 * time.Second

// Fetcher retrieves manifests and guest sources over HTTP with retries.
// Repeated failures open a circuit so reconnect loops fail fast instead
// of paying the full retry backoff against a dead server.
type Fetcher struct {
	client  *resty.Client
	breaker *resilience.Breaker
}

// NewFetcher builds a client with exponential-backoff retries on the
// transport. A zero timeout applies the default.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "transom/1.0")
	client.SetTransport(&retryablehttp.RoundTripper{Client: retryClient})

	return &Fetcher{
		client: client,
		breaker: resilience.New("manifest-fetch", resilience.Options{
			Trip:     3,
			Cooldown: 30 * time.Second,
		}),
	}
}

// get runs one request through the breaker. Transport errors and error
// statuses count against the circuit; what the caller does with a good
// response does not.
func (f *Fetcher) get(ctx context.Context, rawURL string) (*resty.Response, error) {
	var resp *resty.Response
	err := f.breaker.Do(func() error {
		r, err := f.client.R().SetContext(ctx).Get(rawURL)
		if err != nil {
			return err
		}
		if r.IsError() {
			return fmt.Errorf("status %d", r.StatusCode())
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Manifest fetches and decodes a remote manifest. The format comes from the
// URL extension, falling back to the response Content-Type.
func (f *Fetcher) Manifest(ctx context.Context, rawURL string) (*Manifest, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch %s: %w", rawURL, err)
	}
	format, err := formatForURL(rawURL, resp.Header().Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	m, err := Decode(resp.Body(), format)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", rawURL, err)
	}
	m.Path = rawURL
	return m, nil
}

// Source fetches a guest entry and reports its detected media type.
func (f *Fetcher) Source(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("manifest: fetch source %s: %w", rawURL, err)
	}
	body := resp.Body()
	return body, mimetype.Detect(body).String(), nil
}

func formatForURL(rawURL, contentType string) (Format, error) {
	if u, err := url.Parse(rawURL); err == nil {
		if format, err := FormatForPath(u.Path); err == nil {
			return format, nil
		}
	}
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(ct) {
	case "application/json", "text/json":
		return FormatJSON, nil
	case "application/yaml", "text/yaml", "application/x-yaml", "text/x-yaml":
		return FormatYAML, nil
	case "application/toml", "text/x-toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, rawURL, contentType)
}
