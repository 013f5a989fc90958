package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

// HealthService publishes readiness through the standard gRPC health protocol,
// both for the whole server ("") and for serviceName.
type HealthService struct {
	health    *health.Server
	readiness readinessChecker
	log       *logrus.Entry
}

// NewHealthService creates the health service. Its status is NOT_SERVING until
// the first Refresh.
func NewHealthService(r readinessChecker) *HealthService {
	h := &HealthService{
		health:    health.NewServer(),
		readiness: r,
		log:       obs.Component("grpc"),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Refresh evaluates readiness once and updates the published status.
func (h *HealthService) Refresh(ctx context.Context) error {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Run refreshes on every tick until ctx ends, then marks the server as shutting down.
func (h *HealthService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.refreshWithTimeout(ctx, interval); err != nil && ctx.Err() == nil {
			h.log.WithError(err).Warn("readiness check failed")
		}
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthService) refreshWithTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return h.Refresh(ctx)
}

func (h *HealthService) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(serviceName, st)
}

// NewGRPCServer returns a server with the health service registered and
// request logging installed.
func NewGRPCServer(h *HealthService, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(unaryLogger(h.log)))
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.health)
	return s
}

func unaryLogger(log *logrus.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.WithFields(logrus.Fields{
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
		}).Debug("grpc_complete")
		return resp, err
	}
}
