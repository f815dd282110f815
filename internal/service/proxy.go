// Package service implements the registry relay logic: the /v2/ probe, the
// token exchange, and the generic streaming forwarder.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/distribution/registry/client/auth/challenge"

	"docker-repository-proxy/internal/client"
	"docker-repository-proxy/internal/model"
	"docker-repository-proxy/internal/router"
)

// ErrMalformedChallenge is returned when an upstream 401 carries a
// WWW-Authenticate header the proxy cannot extract a bearer realm from.
var ErrMalformedChallenge = errors.New("malformed WWW-Authenticate challenge")

// dropRequestHeaders are removed from client headers before forwarding.
// Hop-by-hop headers must not cross the proxy; Accept-Encoding is suppressed
// so the upstream never compresses a body the relay would have to re-encode;
// Host is overwritten with the upstream's host by the transport.
var dropRequestHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Host",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// dropResponseHeaders are removed from upstream responses before relaying.
var dropResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService relays Registry V2 API requests to resolved upstreams.
type ProxyService struct {
	client *client.RegistryClient
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.RegistryClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Probe issues GET <upstream>/v2/ with the client's Authorization header, if
// any. The caller decides how to relay the response; in particular an
// upstream 401 must be replaced with the proxy's own challenge.
func (s *ProxyService) Probe(ctx context.Context, route *router.Route, authorization string) (*model.ProxyResponse, error) {
	header := make(http.Header)
	if authorization != "" {
		header.Set("Authorization", authorization)
	}

	resp, err := s.client.DoStream(ctx, http.MethodGet, probeURL(route), header, nil, -1)
	if err != nil {
		return nil, fmt.Errorf("probe upstream: %w", err)
	}
	return resp, nil
}

// ExchangeToken performs the bearer-token handshake on behalf of the client:
// it probes the upstream to discover its real WWW-Authenticate challenge,
// then requests a token from the challenge's realm with the (possibly
// rewritten) scope. The realm's response is relayed verbatim.
//
// If the upstream does not demand auth, or demands it without a challenge
// header, its response is returned as-is for verbatim relay.
func (s *ProxyService) ExchangeToken(ctx context.Context, route *router.Route, scope, authorization string) (*model.ProxyResponse, error) {
	probe, err := s.Probe(ctx, route, authorization)
	if err != nil {
		return nil, err
	}

	if probe.StatusCode != http.StatusUnauthorized || probe.Header.Get("WWW-Authenticate") == "" {
		return probe, nil
	}
	_ = probe.Body.Close()

	realm, service, err := parseBearerChallenge(probe.Header)
	if err != nil {
		return nil, err
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return nil, fmt.Errorf("%w: realm %q: %v", ErrMalformedChallenge, realm, err)
	}
	q := tokenURL.Query()
	if service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", rewriteScope(scope, route))
	}
	tokenURL.RawQuery = q.Encode()

	header := make(http.Header)
	if authorization != "" {
		header.Set("Authorization", authorization)
	}

	s.logger.Debug("requesting token",
		"realm", tokenURL.Host,
		"service", service,
	)

	resp, err := s.client.DoStream(ctx, http.MethodGet, tokenURL.String(), header, nil, -1)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	return resp, nil
}

// Forward relays an arbitrary registry request to the resolved upstream,
// streaming the body both ways. The caller is responsible for closing the
// response body and for replacing an upstream 401 with the proxy's own
// challenge.
func (s *ProxyService) Forward(pr *model.ProxyRequest, route *router.Route) (*model.ProxyResponse, error) {
	u := *route.Upstream
	u.Path = strings.TrimRight(u.Path, "/") + pr.Path
	u.RawQuery = pr.Query.Encode()

	header := sanitizeRequestHeaders(pr.Header)

	// GET and HEAD carry no body; everything else streams the client body
	// through so blob uploads never materialize in memory.
	var body io.Reader
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		body = pr.Body
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", u.Host,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, u.String(), header, body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = sanitizeResponseHeaders(resp.Header)
	return resp, nil
}

// probeURL returns <upstream>/v2/ with exactly one slash between the parts.
func probeURL(route *router.Route) string {
	return strings.TrimRight(route.Upstream.String(), "/") + "/v2/"
}

// parseBearerChallenge extracts realm and service from a WWW-Authenticate
// header by parameter name, tolerating reordering and extra parameters such
// as error="insufficient_scope".
func parseBearerChallenge(h http.Header) (realm, service string, err error) {
	// ResponseChallenges only parses 401 responses; callers have already
	// checked the status, so rebuild a minimal one around the header.
	resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: h}
	for _, ch := range challenge.ResponseChallenges(resp) {
		if ch.Scheme != "bearer" {
			continue
		}
		realm = ch.Parameters["realm"]
		if realm == "" {
			break
		}
		return realm, ch.Parameters["service"], nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrMalformedChallenge, h.Get("WWW-Authenticate"))
}

// rewriteScope qualifies an unqualified resource name with the default
// registry's implicit library/ namespace: repository:busybox:pull becomes
// repository:library/busybox:pull. Scopes against other registries, already
// qualified names, and values that are not a resourceType:name:actions
// triple pass through untouched.
func rewriteScope(scope string, route *router.Route) string {
	if !route.DefaultRegistry {
		return scope
	}
	parts := strings.SplitN(scope, ":", 3)
	if len(parts) != 3 || strings.Contains(parts[1], "/") {
		return scope
	}
	named, err := reference.ParseNormalizedNamed(parts[1])
	if err != nil {
		return scope
	}
	return parts[0] + ":" + reference.Path(named) + ":" + parts[2]
}

func sanitizeRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range dropRequestHeaders {
		dst.Del(key)
	}
	return dst
}

func sanitizeResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	for _, key := range dropResponseHeaders {
		dst.Del(key)
	}
	return dst
}
