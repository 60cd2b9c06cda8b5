package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"yuutrace/collector/query"
	"yuutrace/collector/storage"
)

// HealthHandler implements GET /api/health with store row counts.
func HealthHandler(store *storage.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		stats, err := store.GetStats()
		if err != nil {
			slog.Error("failed to read store stats", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal storage error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"db":            store.Path(),
			"spans":         stats.Spans,
			"events":        stats.Events,
			"conversations": stats.Conversations,
		})
	})
}

// ConversationsHandler implements GET /api/conversations with
// limit/offset pagination and an optional agent filter.
func ConversationsHandler(svc *query.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		limit := parseIntParam(r, "limit", query.DefaultLimit)
		offset := parseIntParam(r, "offset", 0)
		agent := r.URL.Query().Get("agent")

		result, err := svc.ListConversations(limit, offset, agent)
		if err != nil {
			slog.Error("failed to list conversations", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal storage error")
			return
		}
		if result.Items == nil {
			result.Items = []query.ConversationItem{}
		}

		writeJSON(w, http.StatusOK, result)
	})
}

// ConversationDetailHandler implements GET /api/conversations/{id}.
func ConversationDetailHandler(svc *query.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
		if id == "" {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}

		result, err := svc.GetConversation(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "conversation not found")
				return
			}
			slog.Error("failed to get conversation",
				slog.String("conversation_id", id),
				slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal storage error")
			return
		}

		writeJSON(w, http.StatusOK, result)
	})
}

// SpanDetailHandler implements GET /api/spans/{id}.
func SpanDetailHandler(svc *query.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/spans/")
		if id == "" {
			writeError(w, http.StatusNotFound, "span not found")
			return
		}

		result, err := svc.GetSpan(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "span not found")
				return
			}
			slog.Error("failed to get span",
				slog.String("span_id", id),
				slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal storage error")
			return
		}

		writeJSON(w, http.StatusOK, result)
	})
}

func parseIntParam(r *http.Request, name string, fallback int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
