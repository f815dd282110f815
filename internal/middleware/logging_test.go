package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/v2/", func(c echo.Context) error {
		return c.String(http.StatusOK, "{}")
	})

	req := httptest.NewRequest(http.MethodGet, "/v2/", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequestLogger_IncludesRoutingHost(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/v2/", func(c echo.Context) error {
		return c.String(http.StatusOK, "{}")
	})

	req := httptest.NewRequest(http.MethodGet, "/v2/", http.NoBody)
	req.Host = "quay.example.com"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), "host=quay.example.com") {
		t.Errorf("log line missing routing host: %q", buf.String())
	}
}

// Health and metrics scrapes log at debug so pull traffic stays readable.
func TestRequestLogger_QuietsOperationalEndpoints(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if buf.Len() != 0 {
		t.Errorf("healthz request should not log at info, got %q", buf.String())
	}
}
