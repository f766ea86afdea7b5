package app

import (
	"context"

	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/metrics"
	"github.com/1ureka/hybridsync/internal/relay"
	"github.com/1ureka/hybridsync/internal/util"
)

// RunRelay serves class rooms on cfg.ListenAddr until ctx is cancelled.
// /metrics is served on the same address; cfg.MetricsAddr adds a separate
// endpoint.
func RunRelay(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	serveMetrics(ctx, cfg, m)
	util.StartStatsReporter(ctx)

	return relay.NewServer(m).Run(ctx, cfg.ListenAddr)
}
