package generator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/model"
)

func upstreamsFixture() []config.Upstream {
	return []config.Upstream{
		{Scheme: "http", Host: "a.internal", Interval: 5 * time.Second},
	}
}

func uptr(v uint64) *uint64 { return &v }

func TestGenerateSingleEndpointSingleModel(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {{
			IP:     net.ParseIP("10.0.0.1"),
			Models: []model.Model{{ID: "m1", Pending: uptr(0)}},
		}},
	}

	snap, err := Generate(state, upstreamsFixture(), "envoy.filters.http.ext_proc", "local_route")
	require.NoError(t, err)

	require.Len(t, snap.Clusters, 1)
	assert.Equal(t, model.ClusterName(0, net.ParseIP("10.0.0.1")), snap.Clusters[0].Name)
	assert.Equal(t, uint32(80), snap.Clusters[0].GetLoadAssignment().GetEndpoints()[0].GetLbEndpoints()[0].
		GetEndpoint().GetAddress().GetSocketAddress().GetPortValue())

	vh := snap.RouteConfig.VirtualHosts[0]
	require.Len(t, vh.Routes, 2)
	assert.Equal(t, "/v1/models", vh.Routes[0].GetMatch().GetPath())

	modelRoute := vh.Routes[1]
	wc := modelRoute.GetRoute().GetWeightedClusters()
	require.Len(t, wc.Clusters, 1)
	assert.Equal(t, uint32(1), wc.Clusters[0].GetWeight().GetValue())
}

func TestWeightFormulaTwoEndpointsUnequalPending(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {
			{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m2", Pending: uptr(3)}}},
			{IP: net.ParseIP("10.0.0.2"), Models: []model.Model{{ID: "m2", Pending: uptr(1)}}},
		},
	}

	snap, err := Generate(state, upstreamsFixture(), "ns", "local_route")
	require.NoError(t, err)

	wc := snap.RouteConfig.VirtualHosts[0].Routes[1].GetRoute().GetWeightedClusters()
	require.Len(t, wc.Clusters, 2)

	weightByCluster := map[string]uint32{}
	for _, c := range wc.Clusters {
		weightByCluster[c.Name] = c.GetWeight().GetValue()
	}
	nameA := model.ClusterName(0, net.ParseIP("10.0.0.1"))
	nameB := model.ClusterName(0, net.ParseIP("10.0.0.2"))
	assert.Equal(t, uint32(1), weightByCluster[nameA]) // floor(4/4)=1
	assert.Equal(t, uint32(2), weightByCluster[nameB]) // floor(4/2)=2
}

func TestWeightFormulaAllEqualGivesWeightOne(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {
			{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m", Pending: uptr(2)}}},
			{IP: net.ParseIP("10.0.0.2"), Models: []model.Model{{ID: "m", Pending: uptr(2)}}},
		},
	}

	snap, err := Generate(state, upstreamsFixture(), "ns", "local_route")
	require.NoError(t, err)

	wc := snap.RouteConfig.VirtualHosts[0].Routes[1].GetRoute().GetWeightedClusters()
	for _, c := range wc.Clusters {
		assert.Equal(t, uint32(1), c.GetWeight().GetValue())
	}
}

func TestGenerateSkipsFailedUpstreamWithoutCrashing(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m1"}}}},
		1: {}, // upstream b failed DNS: present, empty
	}
	upstreams := []config.Upstream{
		{Scheme: "http", Host: "a.internal", Interval: time.Second},
		{Scheme: "http", Host: "b.internal", Interval: time.Second},
	}

	snap, err := Generate(state, upstreams, "ns", "local_route")
	require.NoError(t, err)
	assert.Len(t, snap.Clusters, 1)
}

func TestGenerateIsDeterministic(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {
			{IP: net.ParseIP("10.0.0.2"), Models: []model.Model{{ID: "z", Pending: uptr(1)}}},
			{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "a", Pending: uptr(0)}}},
		},
	}
	upstreams := upstreamsFixture()

	snapA, err := Generate(state, upstreams, "ns", "local_route")
	require.NoError(t, err)
	snapB, err := Generate(state, upstreams, "ns", "local_route")
	require.NoError(t, err)

	for i := range snapA.Clusters {
		assert.True(t, proto.Equal(snapA.Clusters[i], snapB.Clusters[i]))
	}
	assert.True(t, proto.Equal(snapA.RouteConfig, snapB.RouteConfig))

	// Clusters sorted by name.
	assert.True(t, snapA.Clusters[0].Name < snapA.Clusters[1].Name || len(snapA.Clusters) < 2)
}

func TestGenerateUsesConfiguredRouteConfigName(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m1", Pending: uptr(0)}}}},
	}
	snap, err := Generate(state, upstreamsFixture(), "ns", "custom_route_name")
	require.NoError(t, err)
	assert.Equal(t, "custom_route_name", snap.RouteConfig.Name)
}

func TestWeightedClustersOnlyReferenceEmittedClusters(t *testing.T) {
	state := map[int][]model.Endpoint{
		0: {{IP: net.ParseIP("10.0.0.1"), Models: []model.Model{{ID: "m1", Pending: uptr(0)}}}},
	}
	snap, err := Generate(state, upstreamsFixture(), "ns", "local_route")
	require.NoError(t, err)

	emitted := map[string]bool{}
	for _, c := range snap.Clusters {
		emitted[c.Name] = true
	}
	for _, r := range snap.RouteConfig.VirtualHosts[0].Routes {
		wc := r.GetRoute().GetWeightedClusters()
		if wc == nil {
			continue
		}
		for _, c := range wc.Clusters {
			assert.True(t, emitted[c.Name])
		}
	}
}
