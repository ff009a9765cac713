// Package server implements the ADS sotw (state-of-the-world) gRPC
// service: a hand-rolled StreamAggregatedResources that multiplexes
// incoming DiscoveryRequests against outgoing Snapshot Bus pushes, one
// goroutine per stream. DeltaAggregatedResources is explicitly
// unimplemented.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	route "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/vllmfleet/vllmfleet/internal/xds/generator"
	"github.com/vllmfleet/vllmfleet/internal/xds/snapshot"
)

// Cluster and RouteConfiguration type URLs, the only two this fleet's ADS
// surface serves. Any other type_url is simply never answered.
const (
	clusterTypeURL = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	routeTypeURL   = "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
)

// Server is the ADS gRPC service. It holds no per-node state — one
// Snapshot Bus serves every connected stream identically, because this
// fleet has no per-node configuration variance to speak of.
type Server struct {
	discovery.UnimplementedAggregatedDiscoveryServiceServer

	bus *snapshot.Bus
	log *slog.Logger
}

// New returns a Server that serves from bus.
func New(bus *snapshot.Bus, log *slog.Logger) *Server {
	return &Server{bus: bus, log: log}
}

// streamState is the per-type_url bookkeeping a single stream owns: the
// version most recently pushed and the nonce that push carried.
type streamState struct {
	lastSentVersion string
	lastSentNonce   string
}

// StreamAggregatedResources serves one bidirectional ADS stream. A single
// goroutine decodes incoming requests into a channel; this goroutine
// selects over that channel, the stream's context, and the Snapshot Bus
// subscription, preserving FIFO push order within the stream.
func (s *Server) StreamAggregatedResources(stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer) error {
	ctx := stream.Context()
	sub := s.bus.Subscribe()
	defer sub.Close()

	requests := make(chan *discovery.DiscoveryRequest)
	recvErrs := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				recvErrs <- err
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	// A served type_url gets its entry on the stream's first request for it;
	// only types the client has requested receive pushes.
	states := map[string]*streamState{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErrs:
			if err == io.EOF {
				return nil
			}
			return err

		case req := <-requests:
			if _, ok := states[req.TypeUrl]; !ok && (req.TypeUrl == clusterTypeURL || req.TypeUrl == routeTypeURL) {
				states[req.TypeUrl] = &streamState{}
			}
			if err := s.handleRequest(stream, states, req); err != nil {
				return err
			}

		case update := <-sub.Chan():
			if err := s.pushAll(stream, states, update); err != nil {
				return err
			}
		}
	}
}

// handleRequest implements the per-request state machine: an empty
// response_nonce is an initial subscription (push the current snapshot
// immediately); a non-empty nonce is an ACK (silently accepted) or NACK
// (logged, not retried — the next Bus publish will push normally).
func (s *Server) handleRequest(stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer, states map[string]*streamState, req *discovery.DiscoveryRequest) error {
	state, known := states[req.TypeUrl]
	if !known {
		s.log.Debug("ignoring request for unserved type", "type_url", req.TypeUrl)
		return nil
	}

	if req.ResponseNonce == "" {
		v := s.bus.Current()
		if v.Snap == nil {
			return nil
		}
		return s.pushType(stream, state, req.TypeUrl, v.Version, v.Snap)
	}

	if req.ErrorDetail != nil {
		s.log.Warn("NACK from client",
			"type_url", req.TypeUrl,
			"version", req.VersionInfo,
			"error", req.ErrorDetail.GetMessage(),
		)
		return nil
	}

	// ACK: nothing to do.
	return nil
}

// pushAll sends a push for every type_url the client has requested when the
// Bus emits a new version, the route configuration before the clusters. The
// protocol does not require an order between types; a fixed one keeps the
// pushes of a stream deterministic.
func (s *Server) pushAll(stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer, states map[string]*streamState, update snapshot.Update) error {
	if update.Snap == nil {
		return nil
	}
	for _, typeURL := range []string{routeTypeURL, clusterTypeURL} {
		state, watched := states[typeURL]
		if !watched {
			continue
		}
		if err := s.pushType(stream, state, typeURL, update.Version, update.Snap); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pushType(stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer, state *streamState, typeURL, version string, snap *generator.Snapshot) error {
	if state.lastSentVersion == version {
		return nil
	}

	resources, err := resourcesOf(typeURL, snap)
	if err != nil {
		return fmt.Errorf("marshaling %s resources: %w", typeURL, err)
	}

	nonce := uuid.NewString()
	resp := &discovery.DiscoveryResponse{
		VersionInfo: version,
		Resources:   resources,
		TypeUrl:     typeURL,
		Nonce:       nonce,
	}

	if err := stream.Send(resp); err != nil {
		return err
	}

	state.lastSentVersion = version
	state.lastSentNonce = nonce
	return nil
}

// resourcesOf packs a Generator snapshot's resources of one type_url into
// Any wrappers, the wire shape a DiscoveryResponse carries.
func resourcesOf(typeURL string, snap *generator.Snapshot) ([]*anypb.Any, error) {
	switch typeURL {
	case clusterTypeURL:
		return packAll(snap.Clusters)
	case routeTypeURL:
		if snap.RouteConfig == nil {
			return nil, nil
		}
		return packAll([]*route.RouteConfiguration{snap.RouteConfig})
	default:
		return nil, nil
	}
}

func packAll[T proto.Message](msgs []T) ([]*anypb.Any, error) {
	out := make([]*anypb.Any, 0, len(msgs))
	for _, m := range msgs {
		any, err := anypb.New(m)
		if err != nil {
			return nil, err
		}
		out = append(out, any)
	}
	return out, nil
}

// DeltaAggregatedResources is explicitly unimplemented; this fleet only
// ever speaks sotw ADS.
func (s *Server) DeltaAggregatedResources(stream discovery.AggregatedDiscoveryService_DeltaAggregatedResourcesServer) error {
	return status.Error(codes.Unimplemented, "delta xDS is not implemented")
}

// Serve starts the gRPC listener, registers the ADS, health, and
// reflection services, and blocks until ctx is canceled.
func Serve(ctx context.Context, addr string, bus *snapshot.Bus, log *slog.Logger) error {
	impl := New(bus, log)

	grpcServer := grpc.NewServer()
	discovery.RegisterAggregatedDiscoveryServiceServer(grpcServer, impl)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	log.Info("ADS server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		log.Info("shutting down ADS server")
		grpcServer.GracefulStop()
	}()

	return grpcServer.Serve(lis)
}
