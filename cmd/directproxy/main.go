package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vllmfleet/vllmfleet/internal/config"
	"github.com/vllmfleet/vllmfleet/internal/model"
	"github.com/vllmfleet/vllmfleet/internal/proxy"
	"github.com/vllmfleet/vllmfleet/internal/resolver"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded",
		"direct_proxy_addr", cfg.DirectProxyAddr,
		"upstreams", len(cfg.Upstreams),
	)

	fleet := model.NewFleetState()

	p, err := proxy.New(fleet, cfg.Upstreams, log)
	if err != nil {
		log.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

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
			err := res.Watch(groupCtx, i, upstream, fleet.Put)
			if err != nil && groupCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	httpServer := &http.Server{Addr: cfg.DirectProxyAddr, Handler: p.Handler()}

	group.Go(func() error {
		log.Info("direct proxy listening", "addr", cfg.DirectProxyAddr)
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return httpServer.Close()
	})

	if err := group.Wait(); err != nil {
		log.Error("direct proxy exited with error", "error", err)
		os.Exit(1)
	}
}
