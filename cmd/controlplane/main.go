package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/metrics"
	"github.com/vllmfleet/vllmfleet/internal/model"
	"github.com/vllmfleet/vllmfleet/internal/resolver"
	"github.com/vllmfleet/vllmfleet/internal/xds/generator"
	"github.com/vllmfleet/vllmfleet/internal/xds/server"
	"github.com/vllmfleet/vllmfleet/internal/xds/snapshot"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded",
		"xds_addr", cfg.XDSAddr,
		"management_addr", cfg.ManagementAddr,
		"node_id", cfg.NodeID,
		"route_config_name", cfg.RouteConfigName,
		"upstreams", len(cfg.Upstreams),
	)

	fleet := model.NewFleetState()
	bus := snapshot.New()
	cpMetrics := metrics.NewControlPlane()
	var ready atomic.Bool

	fleet.OnChange(func() {
		cpMetrics.IncSnapshotGeneration()
		state, _ := fleet.Snapshot()
		snap, err := generator.Generate(state, cfg.Upstreams, cfg.MetadataNamespace, cfg.RouteConfigName)
		if err != nil {
			log.Error("failed to generate xDS snapshot", "error", err)
			return
		}
		bus.Publish(snap)
		ready.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	res := resolver.New(log)
	for i, upstream := range cfg.Upstreams {
		i, upstream := i, upstream
		group.Go(func() error {
			var lastCycle time.Time
			onSnapshot := func(idx int, endpoints []model.Endpoint) {
				now := time.Now()
				if !lastCycle.IsZero() {
					cpMetrics.ObserveResolverCycle(idx, upstream.Host, now.Sub(lastCycle))
				}
				lastCycle = now
				cpMetrics.SetEndpointCount(idx, upstream.Host, len(endpoints))
				fleet.Put(idx, endpoints)
			}
			err := res.Watch(groupCtx, i, upstream, onSnapshot)
			if err != nil && groupCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	mgmtMux := http.NewServeMux()
	mgmtMux.HandleFunc("GET /fleet", handleFleet(fleet))
	mgmtMux.HandleFunc("GET /health", handleHealth(&ready))
	mgmtMux.Handle("GET /metrics", cpMetrics.Handler())
	mgmtServer := &http.Server{Addr: cfg.ManagementAddr, Handler: mgmtMux}

	group.Go(func() error {
		log.Info("management API listening", "addr", cfg.ManagementAddr)
		err := mgmtServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return mgmtServer.Close()
	})

	group.Go(func() error {
		return server.Serve(groupCtx, cfg.XDSAddr, bus, log)
	})

	if err := group.Wait(); err != nil {
		log.Error("control plane exited with error", "error", err)
		os.Exit(1)
	}
}

func handleFleet(fleet *model.FleetState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, version := fleet.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"version": version, "upstreams": state})
	}
}

func handleHealth(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}