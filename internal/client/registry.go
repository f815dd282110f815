// Package client provides the upstream HTTP client for registry requests.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"docker-repository-proxy/internal/config"
	"docker-repository-proxy/internal/metrics"
	"docker-repository-proxy/internal/model"
)

// RegistryClient sends requests to upstream container registries.
type RegistryClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRegistryClient creates a RegistryClient with connection pooling.
//
// Compression negotiation is disabled so upstream bodies are relayed
// byte-for-byte without the transport transparently decoding them. There is
// no whole-request timeout: blob transfers may legitimately stream for
// minutes, so only the wait for response headers is bounded. Redirects are
// followed (registries commonly redirect blob downloads to a CDN).
//
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewRegistryClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RegistryClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &RegistryClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "registry_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against an upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *RegistryClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request with a streamed body and returns the response
// as a stream. The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request: when
// the context is canceled (e.g. client disconnects mid-transfer), the
// upstream request is also canceled.
func (c *RegistryClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && contentLength >= 0 {
		// Preserve the client's Content-Length so the upstream does not see
		// a chunked upload where the client sent a sized one.
		req.ContentLength = contentLength
	}

	return c.Do(req)
}
