package resolver

import (
	"io"
	"log/slog"
	"time"

	"github.com/vllmfleet/vllmfleet/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUpstream() config.Upstream {
	return config.Upstream{
		Scheme:   "http",
		Host:     "backend.internal",
		Interval: time.Second,
		Timeout:  time.Second,
	}
}
