package proxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProxy(t *testing.T) (*Proxy, *model.FleetState) {
	state := model.NewFleetState()
	upstreams := []config.Upstream{{Scheme: "http", Host: "backend.internal"}}
	p, err := New(state, upstreams, testLogger())
	require.NoError(t, err)
	return p, state
}

func TestHandleListModelsDedupesAndSorts(t *testing.T) {
	p, state := newTestProxy(t)
	state.Put(0, []model.Endpoint{
		{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "z"}, {ID: "a"}}},
		{IP: net.ParseIP("10.0.0.2"), Models: []model.Model{{ID: "a"}}},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"a"`)
	assert.True(t, strings.Index(rec.Body.String(), `"a"`) < strings.Index(rec.Body.String(), `"z"`))
}

func TestHandleTunnelUnknownModelReturns404(t *testing.T) {
	p, state := newTestProxy(t)
	state.Put(0, []model.Endpoint{
		{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m1"}}},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"does-not-exist"}`))
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"object":"error"`)
}

func TestHandleTunnelMissingModelFieldReturns400(t *testing.T) {
	p, _ := newTestProxy(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTunnelMalformedJSONReturns400(t *testing.T) {
	p, _ := newTestProxy(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPickBackendUniformAcrossCandidates(t *testing.T) {
	p, state := newTestProxy(t)
	state.Put(0, []model.Endpoint{
		{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m1"}}},
		{IP: net.ParseIP("10.0.0.2"), Models: []model.Model{{ID: "m1"}}},
	})

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		b := p.pickBackend("m1")
		require.NotNil(t, b)
		counts[b.ip.String()]++
	}

	// Loose sanity check: both candidates should be picked with some
	// regularity under a uniform choice, not a fixed/skewed one.
	assert.Greater(t, counts["10.0.0.1"], 500)
	assert.Greater(t, counts["10.0.0.2"], 500)
}

func TestHealthEndpoint(t *testing.T) {
	p, _ := newTestProxy(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposesRequestCounter(t *testing.T) {
	p, state := newTestProxy(t)
	state.Put(0, []model.Endpoint{{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m1"}}}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"missing"}`))
	p.Handler().ServeHTTP(httptest.NewRecorder(), req)

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, metricsReq)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vllmfleet_proxy_requests_total")
}

func TestStrippedHeadersIncludesSensitiveOnes(t *testing.T) {
	for _, h := range []string{"Authorization", "Connection", "Host", "Upgrade", "Api-Key"} {
		assert.Contains(t, strippedHeaders, h)
	}
}
