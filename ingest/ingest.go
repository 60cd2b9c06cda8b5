// Package ingest turns OTLP trace export requests into committed store
// batches. Decoding and persistence of one request happen inside a single
// transaction: either every span and event in the request becomes
// visible, or none do.
package ingest

import (
	"encoding/hex"
	"errors"
	"fmt"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"yuutrace/collector/storage"
)

// ErrBadPayload marks a malformed export request. It is the client's
// error: the batch is rolled back and never retried server-side.
var ErrBadPayload = errors.New("malformed export request")

// Ingestor decodes export requests and commits them to the store.
type Ingestor struct {
	store    *storage.Store
	observer func(rec *storage.SpanRecord)
}

// NewIngestor creates an ingestor writing to store.
func NewIngestor(store *storage.Store) *Ingestor {
	return &Ingestor{store: store}
}

// SetObserver registers a callback invoked for every span written to a
// batch, before the batch commits. Used for receipt logging.
func (i *Ingestor) SetObserver(fn func(rec *storage.SpanRecord)) {
	i.observer = fn
}

// Ingest persists every span and event in req as one atomic batch and
// returns the number of spans written. A request with zero resource-span
// groups is a valid no-op. Any malformed span aborts the whole batch
// with an error wrapping ErrBadPayload; storage failures surface as-is.
func (i *Ingestor) Ingest(req *coltracepb.ExportTraceServiceRequest) (int, error) {
	if req == nil || len(req.ResourceSpans) == 0 {
		return 0, nil
	}

	count := 0
	err := i.store.WriteBatch(func(b *storage.Batch) error {
		for _, resourceSpans := range req.ResourceSpans {
			// Decode resource attributes once, shared by every span
			// in this group.
			var resource storage.Attrs
			if r := resourceSpans.GetResource(); r != nil {
				resource = storage.DecodeKeyValues(r.GetAttributes())
			} else {
				resource = storage.Attrs{}
			}

			for _, scopeSpans := range resourceSpans.GetScopeSpans() {
				for _, span := range scopeSpans.GetSpans() {
					if err := i.writeSpan(b, span, resource); err != nil {
						return err
					}
					count++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// writeSpan decodes one span, upserts its row, then inserts its events.
// The span row is written before its events to satisfy the foreign key.
func (i *Ingestor) writeSpan(b *storage.Batch, span *tracepb.Span, resource storage.Attrs) error {
	if span == nil {
		return fmt.Errorf("%w: nil span", ErrBadPayload)
	}
	if len(span.SpanId) == 0 {
		return fmt.Errorf("%w: span %q has no span id", ErrBadPayload, span.GetName())
	}
	if len(span.TraceId) == 0 {
		return fmt.Errorf("%w: span %q has no trace id", ErrBadPayload, span.GetName())
	}

	attrs := storage.DecodeKeyValues(span.GetAttributes())

	rec := &storage.SpanRecord{
		TraceID:           hex.EncodeToString(span.TraceId),
		SpanID:            hex.EncodeToString(span.SpanId),
		Name:              span.GetName(),
		StartTimeUnixNano: span.GetStartTimeUnixNano(),
		EndTimeUnixNano:   span.GetEndTimeUnixNano(),
		Attributes:        attrs,
		Resource:          resource,
		ConversationID:    stringAttr(attrs, storage.AttrConversationID),
		Agent:             stringAttr(attrs, storage.AttrAgent),
		Model:             stringAttr(attrs, storage.AttrConversationModel),
	}

	if len(span.GetParentSpanId()) > 0 {
		parentID := hex.EncodeToString(span.GetParentSpanId())
		rec.ParentSpanID = &parentID
	}

	if status := span.GetStatus(); status != nil {
		rec.StatusCode = int32(status.GetCode())
		if status.GetMessage() != "" {
			msg := status.GetMessage()
			rec.StatusMessage = &msg
		}
	}

	if err := b.UpsertSpan(rec); err != nil {
		return err
	}
	if i.observer != nil {
		i.observer(rec)
	}

	for _, event := range span.GetEvents() {
		if event == nil {
			return fmt.Errorf("%w: nil event on span %s", ErrBadPayload, rec.SpanID)
		}
		evt := &storage.EventRecord{
			SpanID:       rec.SpanID,
			Name:         event.GetName(),
			TimeUnixNano: event.GetTimeUnixNano(),
			Attributes:   storage.DecodeKeyValues(event.GetAttributes()),
		}
		if err := b.InsertEvent(evt); err != nil {
			return err
		}
	}

	return nil
}

// stringAttr extracts a string-typed attribute value, or nil when the key
// is absent or not a string.
func stringAttr(attrs storage.Attrs, key string) *string {
	v, ok := attrs[key]
	if !ok || v.Kind != storage.KindString {
		return nil
	}
	s := v.Str
	return &s
}
