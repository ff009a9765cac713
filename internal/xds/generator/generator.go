// Package generator is the pure transformation from fleet state to an xDS
// Routing Snapshot: an ordered Clusters list and exactly one
// RouteConfiguration. No I/O, no clock, no randomness — the same fleet
// state always yields byte-identical protobufs.
package generator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	cluster "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	upstreamhttp "github.com/envoyproxy/go-control-plane/envoy/extensions/upstreams/http/v3"
	matcher "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/model"
)

// maxPending caps P_max in the weight formula so a single stuck backend
// reporting an enormous pending count cannot blow up integer weights.
const maxPending = 1_000_000

// Snapshot is the Generator's output: the ordered resource set a Reporter
// publishes.
type Snapshot struct {
	Clusters    []*cluster.Cluster
	RouteConfig *route.RouteConfiguration
}

// endpointRef is one (upstream index, endpoint) pair, the unit the
// Generator sorts and names clusters from.
type endpointRef struct {
	upstreamIndex int
	endpoint      model.Endpoint
	upstream      config.Upstream
}

// Generate is the pure fleet-state -> Snapshot transformation described by
// the Generator component. upstreams must be indexed identically to the
// indices used when the fleet state was populated (Resolver.Watch's
// upstreamIndex argument).
func Generate(state map[int][]model.Endpoint, upstreams []config.Upstream, metadataNamespace, routeConfigName string) (*Snapshot, error) {
	refs := sortedEndpointRefs(state, upstreams)

	clusters := make([]*cluster.Cluster, 0, len(refs))
	clusterNameFor := make(map[string]string, len(refs)) // "i:ip" -> cluster name
	for _, ref := range refs {
		name := model.ClusterName(ref.upstreamIndex, ref.endpoint.IP)
		clusters = append(clusters, buildCluster(name, ref))
		clusterNameFor[refKey(ref)] = name
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Name < clusters[j].Name })

	listModelsRoute, maxBodyLen, err := buildListModelsRoute(refs)
	if err != nil {
		return nil, fmt.Errorf("building list-models route: %w", err)
	}

	modelRoutes, err := buildModelRoutes(refs, clusterNameFor, metadataNamespace)
	if err != nil {
		return nil, fmt.Errorf("building model routes: %w", err)
	}

	routes := append([]*route.Route{listModelsRoute}, modelRoutes...)

	routeConfig := &route.RouteConfiguration{
		Name: routeConfigName,
		VirtualHosts: []*route.VirtualHost{{
			Name:    "local_service",
			Domains: []string{"*"},
			Routes:  routes,
		}},
		MaxDirectResponseBodySizeBytes: wrapperspb.UInt32(uint32(maxBodyLen)),
	}

	return &Snapshot{Clusters: clusters, RouteConfig: routeConfig}, nil
}

// sortedEndpointRefs flattens fleet state into a deterministically ordered
// slice: upstream index ascending, then endpoint IP lexicographic.
func sortedEndpointRefs(state map[int][]model.Endpoint, upstreams []config.Upstream) []endpointRef {
	var refs []endpointRef
	for _, i := range model.UpstreamIndices(state) {
		endpoints := append([]model.Endpoint(nil), state[i]...)
		sort.Slice(endpoints, func(a, b int) bool {
			return endpoints[a].IP.String() < endpoints[b].IP.String()
		})
		var upstream config.Upstream
		if i >= 0 && i < len(upstreams) {
			upstream = upstreams[i]
		}
		for _, ep := range endpoints {
			refs = append(refs, endpointRef{upstreamIndex: i, endpoint: ep, upstream: upstream})
		}
	}
	return refs
}

func refKey(ref endpointRef) string {
	return fmt.Sprintf("%d:%s", ref.upstreamIndex, ref.endpoint.IP.String())
}

// buildCluster emits a STATIC-discovery cluster with a single inline
// load-assignment endpoint, attaching the explicit-HTTP/2 upstream
// extension when the upstream requires it.
func buildCluster(name string, ref endpointRef) *cluster.Cluster {
	c := &cluster.Cluster{
		Name:                 name,
		ClusterDiscoveryType: &cluster.Cluster_Type{Type: cluster.Cluster_STATIC},
		ConnectTimeout:       durationpb.New(5 * time.Second),
		LoadAssignment: &endpointv3.ClusterLoadAssignment{
			ClusterName: name,
			Endpoints: []*endpointv3.LocalityLbEndpoints{{
				LbEndpoints: []*endpointv3.LbEndpoint{{
					HostIdentifier: &endpointv3.LbEndpoint_Endpoint{
						Endpoint: &endpointv3.Endpoint{
							Address: socketAddress(ref.endpoint.IP.String(), uint32(ref.upstream.DefaultPort())),
						},
					},
				}},
			}},
		},
	}

	if ref.upstream.HTTP2Only {
		protocolOptions, err := anypb.New(&upstreamhttp.HttpProtocolOptions{
			UpstreamProtocolOptions: &upstreamhttp.HttpProtocolOptions_ExplicitHttpConfig_{
				ExplicitHttpConfig: &upstreamhttp.HttpProtocolOptions_ExplicitHttpConfig{
					ProtocolConfig: &upstreamhttp.HttpProtocolOptions_ExplicitHttpConfig_Http2ProtocolOptions{
						Http2ProtocolOptions: &core.Http2ProtocolOptions{},
					},
				},
			},
		})
		if err == nil {
			c.TypedExtensionProtocolOptions = map[string]*anypb.Any{
				"envoy.extensions.upstreams.http.v3.HttpProtocolOptions": protocolOptions,
			}
		}
	}

	return c
}

func socketAddress(ip string, port uint32) *core.Address {
	return &core.Address{
		Address: &core.Address_SocketAddress{
			SocketAddress: &core.SocketAddress{
				Protocol: core.SocketAddress_TCP,
				Address:  ip,
				PortSpecifier: &core.SocketAddress_PortValue{
					PortValue: port,
				},
			},
		},
	}
}

// buildListModelsRoute aggregates every model across every endpoint,
// deduplicated by id and sorted ascending, into the synthetic /v1/models
// direct-response route. It returns the rendered body's length alongside
// the route so the caller can patch max_direct_response_body_size_bytes.
func buildListModelsRoute(refs []endpointRef) (*route.Route, int, error) {
	byID := map[string]model.Model{}
	var ids []string
	for _, ref := range refs {
		for _, m := range ref.endpoint.Models {
			if _, seen := byID[m.ID]; !seen {
				ids = append(ids, m.ID)
			}
			byID[m.ID] = m
		}
	}
	sort.Strings(ids)

	list := model.ModelList{Data: make([]model.Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, byID[id])
	}

	body, err := json.Marshal(list)
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling model list: %w", err)
	}

	r := &route.Route{
		Name: "list_models",
		Match: &route.RouteMatch{
			PathSpecifier: &route.RouteMatch_Path{Path: "/v1/models"},
			Headers: []*route.HeaderMatcher{{
				Name: ":method",
				HeaderMatchSpecifier: &route.HeaderMatcher_StringMatch{
					StringMatch: &matcher.StringMatcher{
						MatchPattern: &matcher.StringMatcher_Exact{Exact: "GET"},
					},
				},
			}},
		},
		Action: &route.Route_DirectResponse{
			DirectResponse: &route.DirectResponseAction{
				Status: 200,
				Body: &core.DataSource{
					Specifier: &core.DataSource_InlineString{InlineString: string(body)},
				},
			},
		},
	}
	return r, len(body), nil
}

// buildModelRoutes emits one WeightedClusters route per model id (ascending),
// matching a dynamic-metadata key under metadataNamespace.
func buildModelRoutes(refs []endpointRef, clusterNameFor map[string]string, metadataNamespace string) ([]*route.Route, error) {
	modelEndpoints := map[string][]endpointRef{}
	var ids []string
	for _, ref := range refs {
		for _, m := range ref.endpoint.Models {
			if _, ok := modelEndpoints[m.ID]; !ok {
				ids = append(ids, m.ID)
			}
			modelEndpoints[m.ID] = append(modelEndpoints[m.ID], ref)
		}
	}
	sort.Strings(ids)

	routes := make([]*route.Route, 0, len(ids))
	for _, id := range ids {
		clusters, err := weightedClusters(id, modelEndpoints[id], clusterNameFor)
		if err != nil {
			return nil, err
		}

		routes = append(routes, &route.Route{
			Name: "model_" + id,
			Match: &route.RouteMatch{
				PathSpecifier: &route.RouteMatch_Prefix{Prefix: "/"},
				DynamicMetadata: []*matcher.MetadataMatcher{{
					Filter: metadataNamespace,
					Path: []*matcher.MetadataMatcher_PathSegment{{
						Segment: &matcher.MetadataMatcher_PathSegment_Key{Key: "model"},
					}},
					Value: &matcher.ValueMatcher{
						MatchPattern: &matcher.ValueMatcher_StringMatch{
							StringMatch: &matcher.StringMatcher{
								MatchPattern: &matcher.StringMatcher_Exact{Exact: id},
							},
						},
					},
				}},
			},
			Action: &route.Route_Route{
				Route: &route.RouteAction{
					ClusterSpecifier: &route.RouteAction_WeightedClusters{
						WeightedClusters: clusters,
					},
				},
			},
		})
	}
	return routes, nil
}

// weightedClusters computes per-endpoint integer weights for one model per
// the inverse-load formula: weight(e) = sum_k floor((1+P_max)/(1+p_k)),
// P_max capped at maxPending. The returned cluster weights are sorted by
// cluster name (refs arrive ordered by upstream index and IP instead).
func weightedClusters(modelID string, endpoints []endpointRef, clusterNameFor map[string]string) (*route.WeightedCluster, error) {
	pMax := uint64(0)
	for _, ref := range endpoints {
		for _, m := range ref.endpoint.Models {
			if m.ID != modelID || m.Pending == nil {
				continue
			}
			if *m.Pending > pMax {
				pMax = *m.Pending
			}
		}
	}
	if pMax > maxPending {
		pMax = maxPending
	}

	var clusters []*route.WeightedCluster_ClusterWeight
	for _, ref := range endpoints {
		name, ok := clusterNameFor[refKey(ref)]
		if !ok {
			return nil, fmt.Errorf("no cluster name for endpoint %s", refKey(ref))
		}

		var weight uint64
		for _, m := range ref.endpoint.Models {
			if m.ID != modelID {
				continue
			}
			p := uint64(0)
			if m.Pending != nil {
				p = *m.Pending
			}
			weight += (1 + pMax) / (1 + p)
		}
		if weight == 0 {
			weight = 1
		}

		clusters = append(clusters, &route.WeightedCluster_ClusterWeight{
			Name:   name,
			Weight: wrapperspb.UInt32(uint32(weight)),
		})
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Name < clusters[j].Name })

	var total uint64
	for _, c := range clusters {
		total += uint64(c.Weight.GetValue())
	}

	return &route.WeightedCluster{
		Clusters:    clusters,
		TotalWeight: wrapperspb.UInt32(uint32(total)),
	}, nil
}

