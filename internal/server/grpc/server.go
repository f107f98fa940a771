// Package grpcserver serves the peer daemon's gRPC health endpoint.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// PeerService is the health service name reported next to the overall "" entry.
const PeerService = "eph.Peer"

// Health mirrors relay connectivity into the standard health service.
type Health struct {
	hs  *health.Server
	log *zap.Logger
}

// SetConnected flips both health entries between SERVING and NOT_SERVING.
func (h *Health) SetConnected(connected bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(PeerService, st)
	h.log.Debug("health", zap.String("status", st.String()))
}

// Shutdown marks everything NOT_SERVING permanently.
func (h *Health) Shutdown() { h.hs.Shutdown() }

// New builds a gRPC server with recovery and logging interceptors and a
// health service that starts NOT_SERVING.
func New(log *zap.Logger, withReflection bool, opts ...grpc.ServerOption) (*grpc.Server, *Health) {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	s := grpc.NewServer(opts...)

	h := &Health{hs: health.NewServer(), log: log}
	h.SetConnected(false)
	healthpb.RegisterHealthServer(s, h.hs)
	if withReflection {
		reflection.Register(s)
	}
	return s, h
}

// Serve runs s on lis until ctx ends, then stops gracefully within grace.
func Serve(ctx context.Context, s *grpc.Server, lis net.Listener, grace time.Duration, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			s.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
