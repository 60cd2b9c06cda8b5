package server

import (
	"context"
	"errors"
	"log/slog"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yuutrace/collector/ingest"
)

// TraceService implements the OTLP TraceService over the ingest pipeline.
type TraceService struct {
	coltracepb.UnimplementedTraceServiceServer
	ingestor *ingest.Ingestor
}

// NewTraceService creates a new trace service.
func NewTraceService(ingestor *ingest.Ingestor) *TraceService {
	return &TraceService{ingestor: ingestor}
}

// Export persists one export request as a single batch. A malformed
// request maps to InvalidArgument, a storage failure to Internal; the
// whole batch rolls back in both cases.
func (s *TraceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	count, err := s.ingestor.Ingest(req)
	if err != nil {
		if errors.Is(err, ingest.ErrBadPayload) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		slog.ErrorContext(ctx, "failed to ingest spans", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "internal storage error")
	}

	if count > 0 {
		slog.Debug("ingested spans", slog.Int("count", count))
	}

	// Empty PartialSuccess means the whole request succeeded.
	return &coltracepb.ExportTraceServiceResponse{}, nil
}
