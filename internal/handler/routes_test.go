package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"docker-repository-proxy/internal/config"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	e := newTestApp(t, config.ModeProduction, upstream.URL, "")

	tests := []struct {
		name       string
		method     string
		host       string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "anything.example.com", "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "anything.example.com", "/proxy/status", http.StatusOK},
		{"GET /v2/ probe", http.MethodGet, dockerHost, "/v2/", http.StatusOK},
		{"GET /v2/auth exchange", http.MethodGet, dockerHost, "/v2/auth", http.StatusOK},
		{"GET manifest forwarded", http.MethodGet, dockerHost, "/v2/library/busybox/manifests/latest", http.StatusOK},
		{"HEAD manifest forwarded", http.MethodHead, dockerHost, "/v2/library/busybox/manifests/latest", http.StatusOK},
		{"DELETE manifest forwarded", http.MethodDelete, dockerHost, "/v2/library/busybox/manifests/latest", http.StatusOK},
		{"unknown host 404", http.MethodGet, "unknown.api.example.com", "/v2/", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, tt.method, tt.host, tt.path)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
