// Package httpclient is the JSON client for the chat API: bearer auth,
// response envelopes and error classification.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parlor/internal/auth"
	"parlor/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "parlor/httpclient"

// Options configures a Client
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds non-streaming requests. Streams are never timed out.
	Timeout time.Duration
	Tokens  auth.TokenSource
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client performs JSON requests against the chat API
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	tokens  auth.TokenSource
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New creates a client. The underlying http.Client must not set a Timeout,
// since it is shared with the stream transport.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		timeout: opts.Timeout,
		tokens:  opts.Tokens,
		metrics: opts.Metrics,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
}

// HTTPClient returns the underlying client for streaming requests
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Logger returns the client's logger
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Metrics returns the client's metrics, may be nil
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// NewRequest builds a request for path with a JSON body (nil for none),
// the bearer token when present and trace propagation headers.
func (c *Client) NewRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	return req, nil
}

// Do sends a JSON request and decodes the (unwrapped) response into out.
// out may be nil to discard the body.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, method+" "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRequest(method, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordRequest(method, strconv.Itoa(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if err := c.ClassifyResponse(resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("api request failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"error", err,
		)
		return err
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	if err := json.Unmarshal(unwrapEnvelope(raw), out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST request
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// routeOf strips the query so span names stay low cardinality
func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
