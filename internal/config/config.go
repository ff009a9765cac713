// Package config loads and validates the control plane and direct proxy
// configuration from environment variables. All settings have sensible
// defaults so either binary works out of the box for local development.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds all runtime configuration shared by the xDS control plane and
// the direct proxy. Values are loaded once at startup via Load() and then
// treated as immutable.
type Config struct {
	// XDSAddr is the gRPC listen address for the ADS server.
	XDSAddr string

	// DirectProxyAddr is the HTTP listen address for the direct-proxy binary.
	DirectProxyAddr string

	// ManagementAddr is the HTTP listen address for the control plane's
	// read-only management surface (GET /fleet, GET /health).
	ManagementAddr string

	// NodeID identifies this control plane instance in its startup log; it
	// is not exposed on GET /health. The ADS server in this spec is
	// node-agnostic (one snapshot for every stream), so NodeID carries no
	// routing weight.
	NodeID string

	// RouteConfigName is the RDS resource name the generated
	// RouteConfiguration is published under.
	RouteConfigName string

	// MetadataNamespace is the dynamic-metadata namespace per-model routes
	// match against (populated by an external processor from request
	// inspection upstream of the proxy).
	MetadataNamespace string

	// Upstreams are the configured backend upstreams, parsed from their URI
	// form (see upstream.go).
	Upstreams []Upstream
}

// Load reads configuration from environment variables. Missing variables
// fall back to defaults. An error is returned only if VLLMFLEET_UPSTREAMS
// contains a malformed Upstream URI.
func Load() (*Config, error) {
	cfg := &Config{
		XDSAddr:           getEnv("VLLMFLEET_XDS_ADDR", ":9090"),
		DirectProxyAddr:   getEnv("VLLMFLEET_DIRECT_PROXY_ADDR", ":8080"),
		ManagementAddr:    getEnv("VLLMFLEET_MANAGEMENT_ADDR", ":8081"),
		NodeID:            getEnv("VLLMFLEET_NODE_ID", "vllmfleet-controlplane"),
		RouteConfigName:   getEnv("VLLMFLEET_ROUTE_CONFIG_NAME", "local_route"),
		MetadataNamespace: getEnv("VLLMFLEET_METADATA_NAMESPACE", "envoy.filters.http.ext_proc"),
	}

	raw := getEnv("VLLMFLEET_UPSTREAMS", "")
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		upstream, err := ParseUpstream(s)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream %q: %w", s, err)
		}
		cfg.Upstreams = append(cfg.Upstreams, upstream)
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}