// Package session holds the authenticated HTTP sessions for the source,
// destination and optional reference DHIS2 instances.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lherron/dhismig/internal/metadata"
	"github.com/lherron/dhismig/internal/metrics"
)

const (
	// DefaultMetadataTimeout bounds metadata reads and writes.
	DefaultMetadataTimeout = 60 * time.Second

	// DefaultValuesTimeout bounds bulk data value transfers.
	DefaultValuesTimeout = 600 * time.Second

	valuesPath = "dataValueSets"
)

// Side names one configured instance.
type Side string

const (
	Source      Side = "source"
	Destination Side = "destination"
	Reference   Side = "reference"
)

var (
	// ErrPayload is returned when a Payload sets both or neither body form.
	ErrPayload = errors.New("session: exactly one of Body or JSON must be set")

	// ErrUnknownSide is returned for a side that was not configured.
	ErrUnknownSide = errors.New("session: side not configured")
)

// Endpoint is the connection information for one side.
type Endpoint struct {
	BaseURL  string
	Username string
	Password string
}

// Options tunes the HTTP behaviour shared by all sides.
type Options struct {
	MetadataTimeout   time.Duration
	ValuesTimeout     time.Duration
	RequestsPerSecond float64 // 0 disables throttling
}

// Payload is a request body. Exactly one field must be set.
type Payload struct {
	Body []byte
	JSON any
}

func (p Payload) encode() ([]byte, error) {
	switch {
	case p.Body != nil && p.JSON != nil, p.Body == nil && p.JSON == nil:
		return nil, ErrPayload
	case p.Body != nil:
		return p.Body, nil
	default:
		b, err := metadata.Marshal(p.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// Response is a completed HTTP exchange.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// API is the part of Manager the migration components depend on.
type API interface {
	Fetch(ctx context.Context, side Side, path string) metadata.Document
	FetchValues(ctx context.Context, side Side, path string) metadata.Document
	Post(ctx context.Context, side Side, path string, payload Payload, query url.Values) (*Response, error)
}

type endpoint struct {
	base     string
	username string
	password string
	limiter  *rate.Limiter
}

// Manager issues requests against the configured sides.
type Manager struct {
	sides  map[Side]*endpoint
	meta   *http.Client
	bulk   *http.Client
	logger *zap.Logger
}

// New builds a Manager. Source and Destination are required; Reference is
// optional.
func New(endpoints map[Side]Endpoint, opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = DefaultMetadataTimeout
	}
	if opts.ValuesTimeout <= 0 {
		opts.ValuesTimeout = DefaultValuesTimeout
	}

	m := &Manager{
		sides:  make(map[Side]*endpoint, len(endpoints)),
		meta:   &http.Client{Timeout: opts.MetadataTimeout},
		bulk:   &http.Client{Timeout: opts.ValuesTimeout},
		logger: logger,
	}
	for side, ep := range endpoints {
		if ep.BaseURL == "" {
			continue
		}
		if _, err := url.Parse(ep.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid %s url: %w", side, err)
		}
		limiter := rate.NewLimiter(rate.Inf, 0)
		if opts.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
		}
		m.sides[side] = &endpoint{
			base:     NormalizeBaseURL(ep.BaseURL),
			username: ep.Username,
			password: ep.Password,
			limiter:  limiter,
		}
	}
	for _, required := range []Side{Source, Destination} {
		if _, ok := m.sides[required]; !ok {
			return nil, fmt.Errorf("%s: %w", required, ErrUnknownSide)
		}
	}
	return m, nil
}

// NormalizeBaseURL collapses doubled path separators, keeps the scheme's
// "://" intact and guarantees a trailing slash.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	scheme, rest, hasScheme := strings.Cut(raw, "://")
	if !hasScheme {
		rest = raw
	}
	for strings.Contains(rest, "//") {
		rest = strings.ReplaceAll(rest, "//", "/")
	}
	if !strings.HasSuffix(rest, "/") {
		rest += "/"
	}
	if hasScheme {
		return scheme + "://" + rest
	}
	return rest
}

// Has reports whether side is configured.
func (m *Manager) Has(side Side) bool {
	_, ok := m.sides[side]
	return ok
}

// BaseURL returns the normalized base URL of side.
func (m *Manager) BaseURL(side Side) string {
	if ep, ok := m.sides[side]; ok {
		return ep.base
	}
	return ""
}

// Fetch GETs path on side and decodes the JSON object body. Any failure is
// logged and yields an empty document.
func (m *Manager) Fetch(ctx context.Context, side Side, path string) metadata.Document {
	return m.fetch(ctx, m.meta, side, path)
}

// FetchValues is Fetch with the bulk timeout.
func (m *Manager) FetchValues(ctx context.Context, side Side, path string) metadata.Document {
	return m.fetch(ctx, m.bulk, side, path)
}

func (m *Manager) fetch(ctx context.Context, client *http.Client, side Side, path string) metadata.Document {
	resp, err := m.do(ctx, client, side, http.MethodGet, path, nil)
	if err != nil {
		m.logger.Warn("fetch failed", zap.String("side", string(side)), zap.String("path", path), zap.Error(err))
		return metadata.Document{}
	}
	if !resp.OK() {
		m.logger.Warn("fetch returned error status",
			zap.String("side", string(side)),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return metadata.Document{}
	}
	doc, err := metadata.Decode(resp.Body)
	if err != nil {
		m.logger.Warn("fetch returned non-JSON body",
			zap.String("side", string(side)), zap.String("path", path), zap.Error(err))
		return metadata.Document{}
	}
	return doc
}

// Post sends payload to path on side. Query parameters are merged into any
// query already present on path. A non-2xx status is not an error; callers
// inspect Response.StatusCode.
func (m *Manager) Post(ctx context.Context, side Side, path string, payload Payload, query url.Values) (*Response, error) {
	body, err := payload.encode()
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + query.Encode()
	}
	client := m.meta
	if strings.HasPrefix(strings.TrimLeft(path, "/"), valuesPath) {
		client = m.bulk
	}
	return m.do(ctx, client, side, http.MethodPost, path, body)
}

// Ping checks that side answers system/ping with the configured credentials.
func (m *Manager) Ping(ctx context.Context, side Side) error {
	resp, err := m.do(ctx, m.meta, side, http.MethodGet, "system/ping", nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("ping %s: status %d", side, resp.StatusCode)
	}
	return nil
}

func (m *Manager) do(ctx context.Context, client *http.Client, side Side, method, path string, body []byte) (*Response, error) {
	ep, ok := m.sides[side]
	if !ok {
		return nil, fmt.Errorf("%s: %w", side, ErrUnknownSide)
	}
	if err := ep.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	target := ep.base + strings.TrimLeft(path, "/")
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if ep.username != "" || ep.password != "" {
		req.SetBasicAuth(ep.username, ep.password)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	metrics.HTTPRequestDuration.WithLabelValues(string(side), method).Observe(duration.Seconds())
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues(string(side), method, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	metrics.HTTPRequestsTotal.WithLabelValues(string(side), method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	m.logger.Debug("http request",
		zap.String("side", string(side)),
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration))

	return &Response{StatusCode: resp.StatusCode, Body: data, Duration: duration}, nil
}
