package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"yuutrace/collector/ingest"
)

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"
)

// TracesHandler implements POST /v1/traces: one OTLP/HTTP export request
// per call, JSON or protobuf selected by Content-Type. An absent
// Content-Type falls back to the protobuf decoder for minimal producers;
// a present but unrecognized one is rejected with 415.
func TracesHandler(ingestor *ingest.Ingestor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		contentType := r.Header.Get("Content-Type")
		isProtobuf := strings.Contains(contentType, contentTypeProtobuf)
		isJSON := strings.Contains(contentType, contentTypeJSON)

		if !isProtobuf && !isJSON && contentType != "" {
			writeError(w, http.StatusUnsupportedMediaType,
				"unsupported content type, use application/json or application/x-protobuf")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
			return
		}

		req := &coltracepb.ExportTraceServiceRequest{}
		if isJSON {
			err = protojson.Unmarshal(body, req)
		} else {
			err = proto.Unmarshal(body, req)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		count, err := ingestor.Ingest(req)
		if err != nil {
			if errors.Is(err, ingest.ErrBadPayload) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			slog.Error("failed to ingest spans", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal storage error")
			return
		}

		if count > 0 {
			slog.Debug("ingested spans", slog.Int("count", count))
		}

		// Empty partialSuccess is the OTLP convention for full success.
		writeJSON(w, http.StatusOK, map[string]any{
			"partialSuccess": map[string]any{},
		})
	})
}
