// Package resolver implements the per-Upstream polling loop: a jittered
// ticker, concurrent DNS resolution, and per-IP concurrent probing of
// /v1/models and /metrics.
package resolver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/model"
	"github.com/vllmfleet/vllmfleet/internal/openmetrics"
)

// DNSResolver is the Resolver's only collaborator for name resolution. It is
// deliberately narrow (host -> {ip}) because spec.md treats the DNS client
// as an out-of-scope interface; *net.Resolver satisfies it directly.
type DNSResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Resolver polls one Upstream forever, emitting a snapshot of Endpoints on
// every cycle via the onSnapshot callback. Each cycle is independent: a new
// snapshot always fully replaces the previous one.
type Resolver struct {
	dns DNSResolver
	log *slog.Logger
}

// New returns a Resolver using net.DefaultResolver for DNS. Each probe gets
// its own *http.Client, built by pinnedClient and pinned to the resolved IP.
func New(log *slog.Logger) *Resolver {
	return &Resolver{
		dns: net.DefaultResolver,
		log: log,
	}
}

// Watch polls upstream forever until ctx is canceled, invoking onSnapshot
// once per cycle with the upstream's index and its freshly resolved
// endpoints. It never returns a non-nil error except ctx.Err() on
// cancellation.
func (r *Resolver) Watch(ctx context.Context, upstreamIndex int, upstream config.Upstream, onSnapshot func(int, []model.Endpoint)) error {
	logger := r.log.With("upstream_index", upstreamIndex, "host", upstream.Host)
	next := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		// Catch-up: if we fell behind (e.g. the process was stalled),
		// advance by further jittered intervals until the next deadline is
		// actually in the future, rather than firing a burst of missed
		// ticks back to back.
		now := time.Now()
		for !next.After(now) {
			next = next.Add(jitter(upstream.Interval))
		}

		endpoints := r.pollOnce(ctx, upstream, logger)
		onSnapshot(upstreamIndex, endpoints)
	}
}

// jitter returns a random duration uniformly distributed in
// [4/5*interval, 6/5*interval].
func jitter(interval time.Duration) time.Duration {
	lo := interval * 4 / 5
	hi := interval * 6 / 5
	span := hi - lo
	if span <= 0 {
		return interval
	}
	return lo + time.Duration(rand.Int64N(int64(span)+1))
}

// pollOnce resolves the upstream's host and probes every resulting IP. DNS
// failure yields an empty snapshot (the upstream currently has no
// endpoints); per-IP probe failure yields an Endpoint with an empty model
// list rather than dropping the IP, so the Generator still knows it exists.
func (r *Resolver) pollOnce(ctx context.Context, upstream config.Upstream, logger *slog.Logger) []model.Endpoint {
	if upstream.Host == "" {
		logger.Warn("upstream missing host")
		return nil
	}

	addrs, err := r.dns.LookupIPAddr(ctx, upstream.Host)
	if err != nil {
		logger.Warn("dns lookup failed", "error", err)
		return nil
	}
	if len(addrs) == 0 {
		return nil
	}

	endpoints := make([]model.Endpoint, len(addrs))
	done := make(chan struct{}, len(addrs))
	for i, addr := range addrs {
		i, addr := i, addr
		go func() {
			defer func() { done <- struct{}{} }()
			endpoints[i] = r.probe(ctx, upstream, addr.IP, logger)
		}()
	}
	for range addrs {
		<-done
	}
	return endpoints
}

// probe issues the two concurrent GETs (/v1/models, /metrics) against one
// resolved IP, pinned via pinnedClient, and merges the results into one
// Endpoint. A probe failure never removes the IP from the snapshot — it
// just leaves that endpoint's model list empty.
func (r *Resolver) probe(ctx context.Context, upstream config.Upstream, ip net.IP, logger *slog.Logger) model.Endpoint {
	probeCtx := ctx
	var cancel context.CancelFunc
	if upstream.Timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, upstream.Timeout)
		defer cancel()
	}

	client := r.pinnedClient(ip, upstream)

	var models []model.Model
	var sums openmetrics.Sums

	modelsDone := make(chan struct{})
	go func() {
		defer close(modelsDone)
		body, err := fetch(probeCtx, client, upstream, ip, "/v1/models")
		if err != nil {
			logger.Warn("probe /v1/models failed", "ip", ip.String(), "error", err)
			return
		}
		var list model.ModelList
		if err := json.Unmarshal(body, &list); err != nil {
			logger.Warn("parsing /v1/models failed", "ip", ip.String(), "error", err)
			return
		}
		models = list.Data
	}()

	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		body, err := fetch(probeCtx, client, upstream, ip, "/metrics")
		if err != nil {
			logger.Warn("probe /metrics failed", "ip", ip.String(), "error", err)
			return
		}
		sums = openmetrics.Parse(body)
	}()

	<-modelsDone
	<-metricsDone

	// A backend exposes one vLLM scheduler per process, so the same
	// running/pending sums apply to every model it serves.
	for i := range models {
		models[i].Running = sums.Running
		models[i].Pending = sums.Pending
	}

	return model.Endpoint{IP: ip, Models: models}
}

// fetch issues a single GET against path on the given pinned client and
// returns the response body. Non-2xx responses are treated as failures.
func fetch(ctx context.Context, client *http.Client, upstream config.Upstream, ip net.IP, path string) ([]byte, error) {
	url := fmt.Sprintf("%s://%s%s", upstream.Scheme, upstream.Host, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Host = upstream.Host

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return body, nil
}

// pinnedClient returns an *http.Client whose Transport dials the given IP
// directly regardless of what the request URL's host resolves to, with SNI
// and the Host header both preserving the upstream's configured hostname.
// This mirrors the Rust source's per-IP tower::Service<Name> resolver
// override (original_source/src/mux/server.rs).
func (r *Resolver) pinnedClient(ip net.IP, upstream config.Upstream) *http.Client {
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), fmt.Sprintf("%d", upstream.DefaultPort())))
	}

	transport := &http.Transport{
		DialContext: dial,
		TLSClientConfig: &tls.Config{
			ServerName: upstream.Host,
		},
	}
	if upstream.HTTP2Only {
		transport.ForceAttemptHTTP2 = true
	}

	return &http.Client{Transport: transport}
}
