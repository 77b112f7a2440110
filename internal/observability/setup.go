package observability

import (
	"context"
	"net/http"

	"github.com/honeynil/split-settlement/internal/config"
	"github.com/honeynil/split-settlement/internal/infrastructure/observability"
)

// Setup initializes logging, metrics and tracing. The returned server exposes
// /metrics and must be started by the caller.
func Setup(ctx context.Context, serviceName string, cfg *config.Config) (func(context.Context) error, *http.Server, error) {
	observability.InitLogger(cfg.LogLevel)
	metricsServer := observability.InitMetrics(cfg.MetricsAddr)
	tracerShutdown, err := observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, nil, err
	}
	return tracerShutdown, metricsServer, nil
}
