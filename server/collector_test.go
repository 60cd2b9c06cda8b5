package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"yuutrace/collector/ingest"
	"yuutrace/collector/query"
	"yuutrace/collector/storage"
)

func setupTest(t *testing.T) (*storage.Store, *ingest.Ingestor, *query.Service) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, ingest.NewIngestor(store), query.NewService(store)
}

func testExportRequest(spanID byte) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{{
					TraceId:           []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
					SpanId:            []byte{spanID, 2, 3, 4, 5, 6, 7, 8},
					Name:              "op",
					StartTimeUnixNano: 1000,
					EndTimeUnixNano:   2000,
					Attributes: []*commonpb.KeyValue{{
						Key:   storage.AttrConversationID,
						Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "conv-1"}},
					}},
				}},
			}},
		}},
	}
}

func postTraces(t *testing.T, handler http.Handler, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return body["error"]
}

func TestTracesProtobuf(t *testing.T) {
	store, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	payload, err := proto.Marshal(testExportRequest(1))
	if err != nil {
		t.Fatalf("proto.Marshal failed: %v", err)
	}

	w := postTraces(t, handler, "application/x-protobuf", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if _, ok := resp["partialSuccess"]; !ok {
		t.Errorf("expected partialSuccess in response, got %v", resp)
	}

	if _, err := store.GetSpan("0102030405060708"); err != nil {
		t.Errorf("span not persisted: %v", err)
	}
}

func TestTracesJSON(t *testing.T) {
	store, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	// OTLP/JSON uses base64 for the id bytes and camelCase field names.
	payload := []byte(`{
		"resourceSpans": [{
			"scopeSpans": [{
				"spans": [{
					"traceId": "AQIDBAUGBwgJCgsMDQ4PEA==",
					"spanId": "AQIDBAUGBwg=",
					"name": "op",
					"startTimeUnixNano": "1000",
					"endTimeUnixNano": "2000"
				}]
			}]
		}]
	}`)

	w := postTraces(t, handler, "application/json", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetSpan("0102030405060708")
	if err != nil {
		t.Fatalf("span not persisted: %v", err)
	}
	if rec.Name != "op" || rec.StartTimeUnixNano != 1000 {
		t.Errorf("unexpected span: %+v", rec)
	}
}

func TestTracesMissingContentTypeFallsBackToProtobuf(t *testing.T) {
	store, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	payload, err := proto.Marshal(testExportRequest(2))
	if err != nil {
		t.Fatalf("proto.Marshal failed: %v", err)
	}

	w := postTraces(t, handler, "", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with protobuf fallback, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := store.GetSpan("0202030405060708"); err != nil {
		t.Errorf("span not persisted via fallback: %v", err)
	}
}

func TestTracesUnknownContentType(t *testing.T) {
	_, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	w := postTraces(t, handler, "text/plain", []byte("hello"))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
	if msg := decodeErrorBody(t, w); msg == "" {
		t.Error("expected error message in body")
	}
}

func TestTracesMalformedBody(t *testing.T) {
	_, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	w := postTraces(t, handler, "application/json", []byte("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", w.Code)
	}

	w = postTraces(t, handler, "application/x-protobuf", []byte{0xFF, 0xFF, 0xFF})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad protobuf, got %d", w.Code)
	}
}

func TestTracesInvalidSpanRejected(t *testing.T) {
	store, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	req := testExportRequest(1)
	req.ResourceSpans[0].ScopeSpans[0].Spans[0].SpanId = nil
	payload, err := proto.Marshal(req)
	if err != nil {
		t.Fatalf("proto.Marshal failed: %v", err)
	}

	w := postTraces(t, handler, "application/x-protobuf", payload)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Spans != 0 {
		t.Errorf("rejected batch leaked %d spans", stats.Spans)
	}
}

func TestTracesEmptyRequestSucceeds(t *testing.T) {
	_, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	payload, err := proto.Marshal(&coltracepb.ExportTraceServiceRequest{})
	if err != nil {
		t.Fatalf("proto.Marshal failed: %v", err)
	}

	w := postTraces(t, handler, "application/x-protobuf", payload)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for empty export, got %d", w.Code)
	}
}

func TestTracesMethodNotAllowed(t *testing.T) {
	_, ingestor, _ := setupTest(t)
	handler := TracesHandler(ingestor)

	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow == "" {
		t.Error("expected Allow header on 405")
	}
}
