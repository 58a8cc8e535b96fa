package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/drone-inventory/internal/observability/logger"
)

// IngestServiceName is the gRPC health service name of the ingestion core.
const IngestServiceName = "drone_inventory.Ingest"

// GRPCHealth serves the standard gRPC health protocol, SERVING while the
// ledger answers pings.
type GRPCHealth struct {
	server *health.Server
	ledger Pinger
	log    *zap.Logger
}

func NewGRPCHealth(ledger Pinger, log *zap.Logger) *GRPCHealth {
	g := &GRPCHealth{
		server: health.NewServer(),
		ledger: ledger,
		log:    logger.OrNop(log),
	}
	g.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

func (g *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.server)
}

// Check pings the ledger once and publishes the result.
func (g *GRPCHealth) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := g.ledger.Ping(ctx); err != nil {
		g.log.Warn("ledger ping failed", zap.Error(err))
		g.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	g.setStatus(healthpb.HealthCheckResponse_SERVING)
}

// Run checks every interval until ctx is done.
func (g *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	g.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Shutdown reports NOT_SERVING to every watcher from now on.
func (g *GRPCHealth) Shutdown() {
	g.server.Shutdown()
}

func (g *GRPCHealth) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	g.server.SetServingStatus("", status)
	g.server.SetServingStatus(IngestServiceName, status)
}
