package storage

// SpanRecord is one row of the spans table, the flat persisted form of a
// decoded OTLP span. ConversationID, Agent and Model are denormalized
// from well-known attributes at ingest time; they stay nil when the span
// does not carry those keys.
type SpanRecord struct {
	TraceID           string
	SpanID            string
	ParentSpanID      *string
	Name              string
	StartTimeUnixNano uint64
	EndTimeUnixNano   uint64
	StatusCode        int32
	StatusMessage     *string
	Attributes        Attrs
	Resource          Attrs
	ConversationID    *string
	Agent             *string
	Model             *string
}

// EventRecord is one row of the events table. ID is assigned by the
// database on insert.
type EventRecord struct {
	ID           int64
	SpanID       string
	Name         string
	TimeUnixNano uint64
	Attributes   Attrs
}

// ConversationSummary is one row of the conversation listing: the root
// span's identity plus aggregates over every span sharing its trace.
type ConversationSummary struct {
	ID        string
	Agent     *string
	Model     *string
	TraceID   string
	SpanCount int64
	StartTime uint64
	EndTime   uint64
}

// TraceUsage is the summed token usage across every yuu.llm.usage event
// in one trace.
type TraceUsage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Stats is a point-in-time row count snapshot for the health endpoint.
type Stats struct {
	Spans         int64
	Events        int64
	Conversations int64
}
