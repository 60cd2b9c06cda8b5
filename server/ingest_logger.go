package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"yuutrace/collector/storage"
)

// receiptEntry records one span receipt for batched logging.
type receiptEntry struct {
	TraceID        string
	SpanID         string
	ConversationID string
}

// IngestLogger accumulates span receipts and logs a summary periodically
// instead of one line per span.
type IngestLogger struct {
	mu       sync.Mutex
	entries  []receiptEntry
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewIngestLogger creates a logger that batches span receipt logs.
// interval is how often to flush the batch (e.g. 10*time.Second).
func NewIngestLogger(interval time.Duration) *IngestLogger {
	return &IngestLogger{
		entries:  make([]receiptEntry, 0, 100),
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background goroutine that flushes logs periodically.
func (l *IngestLogger) Start() {
	go l.run()
}

// Stop signals the logger to stop and waits for the final flush.
func (l *IngestLogger) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// ObserveSpan records a span receipt to be logged in the next batch.
// Wired as the ingestor's observer.
func (l *IngestLogger) ObserveSpan(rec *storage.SpanRecord) {
	entry := receiptEntry{
		TraceID: rec.TraceID,
		SpanID:  rec.SpanID,
	}
	if rec.ConversationID != nil {
		entry.ConversationID = *rec.ConversationID
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *IngestLogger) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.stopCh:
			l.flush() // Final flush before stopping
			return
		}
	}
}

func (l *IngestLogger) flush() {
	l.mu.Lock()
	entries := l.entries
	l.entries = make([]receiptEntry, 0, 100)
	l.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	traces := make(map[string]bool)
	conversations := make(map[string]bool)
	for _, e := range entries {
		traces[e.TraceID] = true
		if e.ConversationID != "" {
			conversations[e.ConversationID] = true
		}
	}

	slog.Info("received spans",
		slog.Int("count", len(entries)),
		slog.Int("traces", len(traces)),
		slog.Int("conversations", len(conversations)),
	)

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		for _, e := range entries {
			slog.Debug("span received",
				slog.String("trace_id", e.TraceID),
				slog.String("span_id", e.SpanID),
			)
		}
	}
}
