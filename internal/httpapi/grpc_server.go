package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"authhub.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealth serves grpc.health.v1 for the overall server ("") and for
// serviceName, both following the readiness check.
type GRPCHealth struct {
	srv     *health.Server
	checker readinessChecker
	logger  *zap.Logger
}

// NewGRPCHealth starts in NOT_SERVING until the first Refresh.
func NewGRPCHealth(checker readinessChecker, logger *zap.Logger) *GRPCHealth {
	h := &GRPCHealth{srv: health.NewServer(), checker: checker, logger: obs.OrNop(logger)}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the readiness check once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.checker.Check(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
}

// Run refreshes every interval until ctx ends, then marks the server as
// shutting down.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
