package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance, most
// specific first: probe, token exchange, then the catch-all forwarder.
// Health and status are served regardless of the inbound hostname.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/v2/", proxy.Probe)
	e.GET("/v2/auth", proxy.Token)
	e.Any("/*", proxy.Forward)
}
