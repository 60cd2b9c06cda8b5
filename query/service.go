// Package query is the read side of the collector: it reconstructs
// conversations, spans and rollups from the flat store on behalf of the
// API. It never mutates the store and holds no cache; every call re-reads
// the database.
package query

import (
	"yuutrace/collector/storage"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Service answers read queries against a store.
type Service struct {
	store *storage.Store
}

// NewService creates a query service reading from store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// Usage is the summed token usage for one trace.
type Usage struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
}

// Event is the API shape of one span event.
type Event struct {
	ID           int64         `json:"id"`
	SpanID       string        `json:"spanId"`
	Name         string        `json:"name"`
	TimeUnixNano uint64        `json:"timeUnixNano"`
	Attributes   storage.Attrs `json:"attributes"`
}

// Span is the API shape of one span with its events attached.
type Span struct {
	TraceID           string        `json:"traceId"`
	SpanID            string        `json:"spanId"`
	ParentSpanID      *string       `json:"parentSpanId"`
	Name              string        `json:"name"`
	StartTimeUnixNano uint64        `json:"startTimeUnixNano"`
	EndTimeUnixNano   uint64        `json:"endTimeUnixNano"`
	StatusCode        int32         `json:"statusCode"`
	StatusMessage     *string       `json:"statusMessage"`
	Attributes        storage.Attrs `json:"attributes"`
	Resource          storage.Attrs `json:"resource"`
	ConversationID    *string       `json:"conversationId"`
	Agent             *string       `json:"agent"`
	Model             *string       `json:"model"`
	Events            []Event       `json:"events"`
}

// ConversationItem is one row of the conversation listing.
type ConversationItem struct {
	ID        string  `json:"id"`
	Agent     *string `json:"agent"`
	Model     *string `json:"model"`
	SpanCount int64   `json:"spanCount"`
	StartTime uint64  `json:"startTime"`
	EndTime   uint64  `json:"endTime"`
	TotalCost float64 `json:"totalCost"`
	Usage     Usage   `json:"usage"`
}

// ConversationList is a page of conversations plus the unpaginated total.
type ConversationList struct {
	Items []ConversationItem `json:"items"`
	Total int64              `json:"total"`
}

// Conversation is the fully assembled view of one conversation: every
// span in its trace with events attached, plus root metadata and rollups.
type Conversation struct {
	ID        string        `json:"id"`
	Agent     *string       `json:"agent"`
	Model     *string       `json:"model"`
	Tags      storage.Value `json:"tags"`
	Spans     []Span        `json:"spans"`
	TotalCost float64       `json:"totalCost"`
	Usage     Usage         `json:"usage"`
	StartTime uint64        `json:"startTime"`
	EndTime   uint64        `json:"endTime"`
}

// ListConversations returns a page of conversation summaries, newest
// first, optionally filtered by agent. Total counts every matching
// conversation regardless of pagination. Pagination is offset-based with
// no cursor stability guarantee under concurrent writes.
func (s *Service) ListConversations(limit, offset int64, agent string) (*ConversationList, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	total, err := s.store.CountConversations(agent)
	if err != nil {
		return nil, err
	}

	summaries, err := s.store.ListConversations(limit, offset, agent)
	if err != nil {
		return nil, err
	}

	items := make([]ConversationItem, 0, len(summaries))
	for _, summary := range summaries {
		cost, err := s.store.TraceCost(summary.TraceID)
		if err != nil {
			return nil, err
		}
		usage, err := s.store.TraceTokenUsage(summary.TraceID)
		if err != nil {
			return nil, err
		}
		items = append(items, ConversationItem{
			ID:        summary.ID,
			Agent:     summary.Agent,
			Model:     summary.Model,
			SpanCount: summary.SpanCount,
			StartTime: summary.StartTime,
			EndTime:   summary.EndTime,
			TotalCost: cost,
			Usage:     usageFromRecord(usage),
		})
	}

	return &ConversationList{Items: items, Total: total}, nil
}

// GetConversation assembles the full view of one conversation: every span
// sharing the root's trace_id regardless of depth, each with its events.
// Root metadata comes from the earliest-start span, which is assumed (not
// verified) to be the conversation root. Returns storage.ErrNotFound for
// an unknown id.
func (s *Service) GetConversation(conversationID string) (*Conversation, error) {
	traceID, err := s.store.TraceIDForConversation(conversationID)
	if err != nil {
		return nil, err
	}

	records, err := s.store.GetSpansByTrace(traceID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, storage.ErrNotFound
	}

	spans, err := s.attachEvents(records)
	if err != nil {
		return nil, err
	}

	cost, err := s.store.TraceCost(traceID)
	if err != nil {
		return nil, err
	}
	usage, err := s.store.TraceTokenUsage(traceID)
	if err != nil {
		return nil, err
	}

	root := records[0]
	endTime := root.EndTimeUnixNano
	for _, rec := range records {
		if rec.EndTimeUnixNano > endTime {
			endTime = rec.EndTimeUnixNano
		}
	}

	return &Conversation{
		ID:        conversationID,
		Agent:     root.Agent,
		Model:     root.Model,
		Tags:      root.Attributes[storage.AttrConversationTags],
		Spans:     spans,
		TotalCost: cost,
		Usage:     usageFromRecord(usage),
		StartTime: root.StartTimeUnixNano,
		EndTime:   endTime,
	}, nil
}

// GetSpan returns a single span with its events, or storage.ErrNotFound.
func (s *Service) GetSpan(spanID string) (*Span, error) {
	rec, err := s.store.GetSpan(spanID)
	if err != nil {
		return nil, err
	}
	spans, err := s.attachEvents([]*storage.SpanRecord{rec})
	if err != nil {
		return nil, err
	}
	return &spans[0], nil
}

// attachEvents converts records to API spans and batch-attaches every
// event for every span in one query.
func (s *Service) attachEvents(records []*storage.SpanRecord) ([]Span, error) {
	spanIDs := make([]string, len(records))
	for i, rec := range records {
		spanIDs[i] = rec.SpanID
	}

	eventsBySpan, err := s.store.GetEventsBySpanIDs(spanIDs)
	if err != nil {
		return nil, err
	}

	spans := make([]Span, len(records))
	for i, rec := range records {
		events := make([]Event, 0, len(eventsBySpan[rec.SpanID]))
		for _, ev := range eventsBySpan[rec.SpanID] {
			events = append(events, Event{
				ID:           ev.ID,
				SpanID:       ev.SpanID,
				Name:         ev.Name,
				TimeUnixNano: ev.TimeUnixNano,
				Attributes:   ev.Attributes,
			})
		}
		spans[i] = Span{
			TraceID:           rec.TraceID,
			SpanID:            rec.SpanID,
			ParentSpanID:      rec.ParentSpanID,
			Name:              rec.Name,
			StartTimeUnixNano: rec.StartTimeUnixNano,
			EndTimeUnixNano:   rec.EndTimeUnixNano,
			StatusCode:        rec.StatusCode,
			StatusMessage:     rec.StatusMessage,
			Attributes:        rec.Attributes,
			Resource:          rec.Resource,
			ConversationID:    rec.ConversationID,
			Agent:             rec.Agent,
			Model:             rec.Model,
			Events:            events,
		}
	}
	return spans, nil
}

func usageFromRecord(u *storage.TraceUsage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
	}
}
