// Package router maps inbound virtual hostnames to upstream registries.
package router

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"docker-repository-proxy/internal/config"
)

// registryUpstreams lists the fixed hostname prefixes and the registries they
// map to. docker-staging is an alias for the default registry kept for
// clients that still use the old hostname.
var registryUpstreams = []struct {
	prefix     string
	upstream   string
	defaultReg bool
}{
	{"docker", "https://registry-1.docker.io", true},
	{"docker-staging", "https://registry-1.docker.io", true},
	{"quay", "https://quay.io", false},
	{"gcr", "https://gcr.io", false},
	{"k8s-gcr", "https://k8s.gcr.io", false},
	{"k8s", "https://registry.k8s.io", false},
	{"ghcr", "https://ghcr.io", false},
	{"cloudsmith", "https://docker.cloudsmith.io", false},
	{"ecr", "https://public.ecr.aws", false},
}

// Route is a resolved upstream registry.
type Route struct {
	Host     string
	Upstream *url.URL
	// DefaultRegistry marks the registry whose unqualified image names live
	// in the implicit library/ namespace.
	DefaultRegistry bool
}

// Table is the immutable hostname → upstream map, built once at startup.
type Table struct {
	routes   map[string]*Route
	fallback *Route
	debug    bool
}

// NewTable derives the route table from the configured base domain.
func NewTable(cfg *config.Config) (*Table, error) {
	routes := make(map[string]*Route, len(registryUpstreams))
	for _, r := range registryUpstreams {
		host := r.prefix + "." + cfg.Proxy.BaseDomain
		u, err := url.Parse(r.upstream)
		if err != nil {
			return nil, fmt.Errorf("router: parse upstream %q: %w", r.upstream, err)
		}
		routes[host] = &Route{Host: host, Upstream: u, DefaultRegistry: r.defaultReg}
	}

	var fallback *Route
	if cfg.Debug() && cfg.Proxy.FallbackUpstream != "" {
		u, err := url.Parse(cfg.Proxy.FallbackUpstream)
		if err != nil {
			return nil, fmt.Errorf("router: parse fallback upstream %q: %w", cfg.Proxy.FallbackUpstream, err)
		}
		fallback = &Route{Upstream: u}
	}

	return NewStaticTable(routes, fallback, cfg.Debug()), nil
}

// NewStaticTable builds a table from explicit routes. Tests use it to point
// hostnames at arbitrary upstreams without going through configuration.
func NewStaticTable(routes map[string]*Route, fallback *Route, debug bool) *Table {
	return &Table{routes: routes, fallback: fallback, debug: debug}
}

// Resolve returns the route for an inbound Host header value. Unmatched hosts
// resolve to the fallback upstream in debug mode, and to nothing otherwise.
func (t *Table) Resolve(host string) (*Route, bool) {
	if r, ok := t.routes[stripPort(host)]; ok {
		return r, true
	}
	if t.debug && t.fallback != nil {
		return t.fallback, true
	}
	return nil, false
}

// Listing returns the full hostname → upstream map, used in the body of the
// unknown-host 404 response. Routes are public configuration.
func (t *Table) Listing() map[string]string {
	out := make(map[string]string, len(t.routes))
	for host, r := range t.routes {
		out[host] = r.Upstream.String()
	}
	return out
}

// stripPort drops a :port suffix from a Host header value, if present.
func stripPort(host string) string {
	if !strings.Contains(host, ":") {
		return host
	}
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}
