package config

import (
	"fmt"
	"net/url"
	"time"
)

// Upstream is one configured backend service: a URI (scheme, host, optional
// port) plus polling knobs. Multiple Upstreams may be configured; each is
// polled independently by its own Resolver goroutine.
//
// URI syntax: scheme://host[:port]/?interval=<dur>[&http2_only=true][&timeout=<dur>]
// Durations accept human-readable forms ("5s", "1m"). Unknown query keys are
// rejected at startup (a Configuration error, fatal).
type Upstream struct {
	Scheme    string
	Host      string
	Port      uint16 // 0 if unspecified; DefaultPort then yields 80.
	HTTP2Only bool
	Interval  time.Duration
	Timeout   time.Duration // zero means "no timeout"
}

// allowed query keys for an Upstream URI. Anything else is a configuration
// error.
var allowedUpstreamQueryKeys = map[string]bool{
	"interval":   true,
	"http2_only": true,
	"timeout":    true,
}

// ParseUpstream parses one Upstream URI. interval is required; http2_only
// and timeout are optional.
func ParseUpstream(s string) (Upstream, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Upstream{}, fmt.Errorf("URI must include a scheme and host")
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid query string: %w", err)
	}
	for key := range query {
		if !allowedUpstreamQueryKeys[key] {
			return Upstream{}, fmt.Errorf("unknown query key %q", key)
		}
	}

	out := Upstream{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
	}

	if p := u.Port(); p != "" {
		var port uint64
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil || port == 0 || port > 65535 {
			return Upstream{}, fmt.Errorf("invalid port %q", p)
		}
		out.Port = uint16(port)
	}

	intervalStr := query.Get("interval")
	if intervalStr == "" {
		return Upstream{}, fmt.Errorf("missing required query key %q", "interval")
	}
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid interval %q: %w", intervalStr, err)
	}
	out.Interval = interval

	if v := query.Get("http2_only"); v != "" {
		switch v {
		case "true":
			out.HTTP2Only = true
		case "false":
			out.HTTP2Only = false
		default:
			return Upstream{}, fmt.Errorf("invalid http2_only %q", v)
		}
	}

	if v := query.Get("timeout"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return Upstream{}, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		out.Timeout = timeout
	}

	return out, nil
}

// DefaultPort returns the configured port, or 80 when unset, matching the
// original source's upstream.uri.port_u16().unwrap_or(80) literally — there
// is no scheme-based fallback to 443, even for https upstreams.
func (u Upstream) DefaultPort() uint16 {
	if u.Port != 0 {
		return u.Port
	}
	return 80
}
