package server

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"yuutrace/collector/config"
	"yuutrace/collector/ingest"
	"yuutrace/collector/query"
	"yuutrace/collector/storage"
)

// --- Monotonic ULID Generator ---

var (
	ulidGenerator = struct {
		sync.Mutex
		*ulid.MonotonicEntropy
	}{
		MonotonicEntropy: ulid.Monotonic(rand.Reader, 0),
	}
)

func newRequestID() string {
	ulidGenerator.Lock()
	defer ulidGenerator.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), &ulidGenerator)
	if err != nil {
		return ""
	}
	return id.String()
}

// NewHTTPServer creates the HTTP server carrying the collector endpoint
// and the read API, and its listener.
func NewHTTPServer(ingestor *ingest.Ingestor, querySvc *query.Service, store *storage.Store) (*http.Server, net.Listener, error) {
	cfg := config.Get().Server
	lis, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/traces", TracesHandler(ingestor))
	mux.Handle("/api/health", HealthHandler(store))
	mux.Handle("/api/conversations", ConversationsHandler(querySvc))
	mux.Handle("/api/conversations/", ConversationDetailHandler(querySvc))
	mux.Handle("/api/spans/", SpanDetailHandler(querySvc))

	srv := &http.Server{
		Handler:           withRequestLog(withCORS(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, lis, nil
}

// withRequestLog tags each request with a ULID and logs it on completion.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := newRequestID()
		w.Header().Set("X-Request-Id", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Info("http request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}
