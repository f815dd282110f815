package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"docker-repository-proxy/internal/config"
	"docker-repository-proxy/internal/model"
	"docker-repository-proxy/internal/router"
	"docker-repository-proxy/internal/service"
)

// authService is the service name advertised in the proxy's own bearer
// challenge. Clients present it back to /v2/auth.
const authService = "docker-repository-proxy"

// ProxyHandler resolves the inbound hostname and relays registry requests.
type ProxyHandler struct {
	table   *router.Table
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(table *router.Table, svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		table:   table,
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Probe handles GET /v2/. The upstream's answer is relayed verbatim except
// for a 401, which is replaced with the proxy's own challenge so clients
// authenticate against the proxy, never against the upstream's realm.
func (h *ProxyHandler) Probe(c echo.Context) error {
	route, ok := h.resolve(c)
	if !ok {
		return h.unknownHost(c)
	}

	resp, err := h.service.Probe(c.Request().Context(), route, c.Request().Header.Get("Authorization"))
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return h.unauthorized(c)
	}
	return h.relay(c, resp)
}

// Token handles GET /v2/auth: the token exchange against the upstream's real
// auth realm. The realm's response passes through verbatim, including
// failures, so the client sees exactly what the upstream token server said.
func (h *ProxyHandler) Token(c echo.Context) error {
	route, ok := h.resolve(c)
	if !ok {
		return h.unknownHost(c)
	}

	resp, err := h.service.ExchangeToken(
		c.Request().Context(),
		route,
		c.QueryParam("scope"),
		c.Request().Header.Get("Authorization"),
	)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return h.relay(c, resp)
}

// Forward is the catch-all for every other registry request. Default-registry
// paths missing the implicit library/ namespace are redirected first; all
// remaining requests stream through to the upstream.
func (h *ProxyHandler) Forward(c echo.Context) error {
	route, ok := h.resolve(c)
	if !ok {
		return h.unknownHost(c)
	}

	req := c.Request()

	if route.DefaultRegistry {
		if target, ok := normalizeLibraryPath(req.URL.Path); ok {
			if q := req.URL.RawQuery; q != "" {
				target += "?" + q
			}
			return c.Redirect(http.StatusMovedPermanently, target)
		}
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		Query:         req.URL.Query(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr, route)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return h.unauthorized(c)
	}
	return h.relay(c, resp)
}

// resolve maps the inbound Host header to an upstream route.
func (h *ProxyHandler) resolve(c echo.Context) (*router.Route, bool) {
	return h.table.Resolve(c.Request().Host)
}

// unknownHost answers an unresolved hostname with the full route table. This
// is an operational aid, not a leak: the routes are public configuration.
func (h *ProxyHandler) unknownHost(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]any{
		"routes": h.table.Listing(),
	})
}

// unauthorized builds the proxy's own 401 challenge, pointing the client at
// /v2/auth on the host it used to reach the proxy. This is the single place
// clients learn where to obtain a token.
func (h *ProxyHandler) unauthorized(c echo.Context) error {
	scheme := "https"
	if h.cfg.Debug() {
		scheme = "http"
	}
	realm := fmt.Sprintf("%s://%s/v2/auth", scheme, c.Request().Host)
	c.Response().Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer realm=%q,service=%q`, realm, authService))
	return c.JSON(http.StatusUnauthorized, map[string]string{
		"message": "UNAUTHORIZED",
	})
}

// relay copies status, headers, and body stream to the client, in that order.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) error {
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies; we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

// mapError is the single boundary translating relay failures into HTTP. The
// client always gets the same generic 500; the detail stays in the log.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"host", c.Request().Host,
		"path", c.Request().URL.Path,
	)

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"message": "INTERNAL_SERVER_ERROR",
	})
}

// normalizeLibraryPath reports whether a default-registry path needs the
// implicit library/ namespace inserted, and returns the redirect target.
// Only the exact 5-segment shape /v2/<name>/<kind>/<ref> qualifies; paths
// whose name is already qualified have more segments and pass through.
func normalizeLibraryPath(path string) (string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "v2" {
		return "", false
	}
	for _, seg := range parts[2:] {
		if seg == "" {
			return "", false
		}
	}
	return "/v2/library/" + strings.Join(parts[2:], "/"), true
}
