package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	m := NewControlPlane()
	m.SetEndpointCount(0, "backend.internal", 3)
	m.ObserveResolverCycle(0, "backend.internal", 2*time.Second)
	m.IncSnapshotGeneration()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "vllmfleet_controlplane_endpoints")
	assert.Contains(t, body, "vllmfleet_controlplane_resolver_cycle_seconds")
	assert.Contains(t, body, "vllmfleet_controlplane_snapshot_generations_total")
}
