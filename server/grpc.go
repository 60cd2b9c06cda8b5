package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	grpc_logging "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"yuutrace/collector/config"
	"yuutrace/collector/ingest"
)

// NewGRPCServer creates the OTLP/gRPC collector server and its listener.
// It exposes the same ingest pipeline as the HTTP endpoint.
func NewGRPCServer(ingestor *ingest.Ingestor) (*grpc.Server, net.Listener, error) {
	cfg := config.Get().Server
	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen: %v", err)
	}

	traceSvc := NewTraceService(ingestor)

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc_logging.UnaryServerInterceptor(
				interceptorLogger(),
				grpc_logging.WithLogOnEvents(grpc_logging.FinishCall),
			),
		),
	)

	coltracepb.RegisterTraceServiceServer(grpcServer, traceSvc)

	// Health server for grpc_health_probe
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reflection.Register(grpcServer)

	return grpcServer, lis, nil
}

// interceptorLogger returns a grpc_logging.Logger that uses the global slog.
func interceptorLogger() grpc_logging.Logger {
	return grpc_logging.LoggerFunc(func(ctx context.Context, lvl grpc_logging.Level, msg string, fields ...any) {
		slog.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
