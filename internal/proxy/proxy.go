// Package proxy implements the direct-proxy alternative to the xDS control
// plane: it consumes the same fleet state as the Generator but dispatches
// HTTP requests in-process instead of programming Envoy.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/model"
)

// maxPooledClients bounds the connection pool per the Connection/Service
// Cache invariant: an LRU of Options{ip, http2_only} -> HTTPClient.
const maxPooledClients = 65_535

// hop-by-hop and sensitive headers stripped before forwarding. Api-Key is
// included unconditionally, not gated behind an Azure-specific build, since
// stripping an absent header is a no-op and this keeps one code path for
// both variants.
var strippedHeaders = []string{"Authorization", "Connection", "Host", "Upgrade", "Api-Key"}

// poolKey identifies one pooled *http.Client.
type poolKey struct {
	ip        string
	http2Only bool
}

// Proxy dispatches OpenAI-shaped requests to the fleet in-process.
type Proxy struct {
	state     *model.FleetState
	upstreams []config.Upstream
	pool      *lru.Cache[poolKey, *http.Client]
	metrics   *metrics
	log       *slog.Logger
}

// New returns a Proxy reading from state, with its own bounded connection
// pool. upstreams must be indexed identically to the indices used when the
// fleet state was populated (Resolver.Watch's upstreamIndex argument).
func New(state *model.FleetState, upstreams []config.Upstream, log *slog.Logger) (*Proxy, error) {
	pool, err := lru.NewWithEvict(maxPooledClients, func(_ poolKey, client *http.Client) {
		client.CloseIdleConnections()
	})
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	return &Proxy{state: state, upstreams: upstreams, pool: pool, metrics: newMetrics(), log: log}, nil
}

// Handler returns the http.Handler serving every route this component is
// responsible for.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", p.handleListModels)
	mux.HandleFunc("POST /v1/chat/completions", p.handleTunnel)
	mux.HandleFunc("POST /v1/completions", p.handleTunnel)
	mux.HandleFunc("POST /v1/embeddings", p.handleTunnel)
	mux.HandleFunc("GET /health", p.handleHealth)
	mux.Handle("GET /metrics", p.metricsHandler())
	return mux
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleListModels returns the concatenated, deduplicated model list across
// the fleet, in the same shape as the control plane's list-models route.
func (p *Proxy) handleListModels(w http.ResponseWriter, r *http.Request) {
	state, _ := p.state.Snapshot()

	byID := map[string]model.Model{}
	var ids []string
	for _, i := range model.UpstreamIndices(state) {
		for _, ep := range state[i] {
			for _, m := range ep.Models {
				if _, seen := byID[m.ID]; !seen {
					ids = append(ids, m.ID)
				}
				byID[m.ID] = m
			}
		}
	}
	sort.Strings(ids)

	list := model.ModelList{Data: make([]model.Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, byID[id])
	}

	writeJSON(w, http.StatusOK, list)
}

// requestBody is the minimal shape this proxy needs to read out of an
// inbound OpenAI-shaped request: which model to route to. Everything else
// in the body is forwarded byte-for-byte untouched.
type requestBody struct {
	Model string `json:"model"`
}

// handleTunnel implements the request path: extract model, pick a backend
// uniformly at random among those serving it, scrub and forward the
// request, stream the response back verbatim.
func (p *Proxy) handleTunnel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		p.metrics.observeStatus(http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var parsed requestBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Model == "" {
		p.metrics.observeStatus(http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, "request body must be valid JSON with a top-level \"model\" string")
		return
	}

	target := p.pickBackend(parsed.Model)
	if target == nil {
		p.metrics.observeStatus(http.StatusNotFound)
		writeError(w, http.StatusNotFound, fmt.Sprintf("no backend currently serves model %q", parsed.Model))
		return
	}

	p.forward(w, r, body, *target)
}

// backend is one candidate dispatch target for a model.
type backend struct {
	ip        net.IP
	scheme    string
	host      string
	port      uint16
	http2Only bool
}

// pickBackend snapshots fleet state, finds every endpoint currently serving
// model, and returns one chosen uniformly at random. nil means no endpoint
// currently serves it.
func (p *Proxy) pickBackend(modelID string) *backend {
	state, _ := p.state.Snapshot()

	var candidates []backend
	for _, i := range model.UpstreamIndices(state) {
		var upstream config.Upstream
		if i >= 0 && i < len(p.upstreams) {
			upstream = p.upstreams[i]
		}
		for _, ep := range state[i] {
			for _, m := range ep.Models {
				if m.ID == modelID {
					candidates = append(candidates, backend{
						ip:        ep.IP,
						scheme:    upstream.Scheme,
						host:      upstream.Host,
						port:      upstream.DefaultPort(),
						http2Only: upstream.HTTP2Only,
					})
					break
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	chosen := candidates[rand.IntN(len(candidates))]
	return &chosen
}

// forward rewrites and dispatches the request to target, streaming the
// response back to w verbatim. Upstream failures become a 502 with the
// OpenAI-shaped error envelope; this proxy never retries.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte, target backend) {
	url := fmt.Sprintf("%s://%s%s", schemeOrDefault(target.scheme), target.ip.String(), r.URL.RequestURI())
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	req.Header = r.Header.Clone()
	for _, h := range strippedHeaders {
		req.Header.Del(h)
	}
	req.Host = target.host

	client := p.clientFor(target)
	resp, err := client.Do(req)
	if err != nil {
		p.metrics.observeStatus(http.StatusBadGateway)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	p.metrics.observeStatus(resp.StatusCode)

	n, _ := io.Copy(w, resp.Body)
	p.metrics.observeBytes(n)
}

func schemeOrDefault(scheme string) string {
	if scheme == "" {
		return "http"
	}
	return scheme
}

// clientFor returns the pooled *http.Client for (ip, http2_only), creating
// it lazily on first use.
func (p *Proxy) clientFor(target backend) *http.Client {
	key := poolKey{ip: target.ip.String(), http2Only: target.http2Only}
	if client, ok := p.pool.Get(key); ok {
		return client
	}

	port := target.port
	if port == 0 {
		port = 80
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, network, net.JoinHostPort(target.ip.String(), fmt.Sprintf("%d", port)))
		},
		TLSClientConfig: &tls.Config{ServerName: target.host},
	}
	if target.http2Only {
		transport.ForceAttemptHTTP2 = true
	}

	client := &http.Client{Transport: transport}
	p.pool.Add(key, client)
	return client
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the OpenAI-shaped error body this proxy returns for its
// own errors (never for a tunneled upstream error body, which is streamed
// through verbatim).
type errorEnvelope struct {
	Object  string `json:"object"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Object: "error", Code: status, Message: message})
}
