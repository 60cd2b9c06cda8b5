package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// ErrNotFound is returned by point lookups when no row matches. A miss is
// a normal empty result, not a storage failure.
var ErrNotFound = errors.New("record not found")

// Store provides durable span/event persistence backed by SQLite.
//
// Writers serialize through SQLite's transaction mechanism; WAL mode lets
// readers proceed without blocking on an in-progress writer, and a batch
// is never visible to readers until its savepoint commits.
type Store struct {
	pool *sqlitex.Pool
	path string
}

const poolSize = 10

// NewStore opens (or creates) the database at path and ensures the schema
// exists. Safe to call on an existing database.
func NewStore(path string) (*Store, error) {
	// Connections open in WAL mode; pool of 10.
	uri := fmt.Sprintf("file:%s?_busy_timeout=5000&_synchronous=NORMAL", path)
	pool, err := sqlitex.Open(uri, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite pool: %w", err)
	}

	slog.Info("sqlite opened", slog.String("path", path))

	store := &Store{pool: pool, path: path}

	// Foreign key enforcement is per-connection, so prime every
	// connection in the pool before handing the store out.
	if err := store.enableForeignKeys(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := store.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) enableForeignKeys() error {
	conns := make([]*sqlite.Conn, 0, poolSize)
	defer func() {
		for _, conn := range conns {
			s.pool.Put(conn)
		}
	}()

	for i := 0; i < poolSize; i++ {
		conn := s.pool.Get(nil)
		if conn == nil {
			return fmt.Errorf("failed to get connection from pool")
		}
		conns = append(conns, conn)
		if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys = ON;", nil); err != nil {
			return err
		}
	}
	return nil
}

// initSchema creates the tables and indexes if they don't exist.
func (s *Store) initSchema() error {
	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	err := sqlitex.ExecScript(conn, `
		CREATE TABLE IF NOT EXISTS spans (
			trace_id             TEXT NOT NULL,
			span_id              TEXT NOT NULL PRIMARY KEY,
			parent_span_id       TEXT,
			name                 TEXT NOT NULL,
			start_time_unix_nano INTEGER NOT NULL,
			end_time_unix_nano   INTEGER NOT NULL,
			status_code          INTEGER NOT NULL DEFAULT 0,
			status_message       TEXT,
			attributes_json      TEXT NOT NULL DEFAULT '{}',
			conversation_id      TEXT,
			agent                TEXT,
			model                TEXT,
			resource_json        TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_spans_conversation_id ON spans(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
		CREATE INDEX IF NOT EXISTS idx_spans_start_time ON spans(start_time_unix_nano);

		CREATE TABLE IF NOT EXISTS events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			span_id         TEXT NOT NULL REFERENCES spans(span_id),
			name            TEXT NOT NULL,
			time_unix_nano  INTEGER NOT NULL,
			attributes_json TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_events_span_id ON events(span_id);
		CREATE INDEX IF NOT EXISTS idx_events_name ON events(name);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close safely closes the SQLite connection pool.
func (s *Store) Close() error {
	slog.Info("closing sqlite")
	return s.pool.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Sync is a no-op for SQLite WAL mode - writes are already durable.
func (s *Store) Sync() error {
	slog.Info("sqlite sync (no-op in WAL mode)")
	return nil
}

// --- Batch writes ---

// Batch holds one connection inside an open savepoint. All writes issued
// through it commit together or roll back together.
type Batch struct {
	conn *sqlite.Conn
}

// WriteBatch runs fn inside a single transaction. If fn returns an error
// every write it issued is rolled back and the error is returned; readers
// never observe a partially applied batch.
func (s *Store) WriteBatch(fn func(b *Batch) error) (err error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	err = fn(&Batch{conn: conn})
	return err
}

// UpsertSpan inserts or replaces a span row keyed by span_id. Replacing
// an existing span keeps any events already attached to it.
func (b *Batch) UpsertSpan(rec *SpanRecord) error {
	attrsJSON, err := AttrsJSON(rec.Attributes)
	if err != nil {
		return err
	}
	resourceJSON, err := AttrsJSON(rec.Resource)
	if err != nil {
		return err
	}

	stmt := b.conn.Prep(`INSERT OR REPLACE INTO spans
		(trace_id, span_id, parent_span_id, name,
		 start_time_unix_nano, end_time_unix_nano,
		 status_code, status_message, attributes_json,
		 conversation_id, agent, model, resource_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	stmt.BindText(1, rec.TraceID)
	stmt.BindText(2, rec.SpanID)
	bindNullableText(stmt, 3, rec.ParentSpanID)
	stmt.BindText(4, rec.Name)
	stmt.BindInt64(5, int64(rec.StartTimeUnixNano))
	stmt.BindInt64(6, int64(rec.EndTimeUnixNano))
	stmt.BindInt64(7, int64(rec.StatusCode))
	bindNullableText(stmt, 8, rec.StatusMessage)
	stmt.BindText(9, attrsJSON)
	bindNullableText(stmt, 10, rec.ConversationID)
	bindNullableText(stmt, 11, rec.Agent)
	bindNullableText(stmt, 12, rec.Model)
	stmt.BindText(13, resourceJSON)

	_, err = stmt.Step()
	stmt.Reset()
	if err != nil {
		return fmt.Errorf("failed to upsert span %s: %w", rec.SpanID, err)
	}
	return nil
}

// InsertEvent appends an event row. The owning span must already exist;
// the foreign key rejects orphan events and rolls the batch back.
func (b *Batch) InsertEvent(rec *EventRecord) error {
	attrsJSON, err := AttrsJSON(rec.Attributes)
	if err != nil {
		return err
	}

	stmt := b.conn.Prep(`INSERT INTO events
		(span_id, name, time_unix_nano, attributes_json)
		VALUES (?, ?, ?, ?)`)
	stmt.BindText(1, rec.SpanID)
	stmt.BindText(2, rec.Name)
	stmt.BindInt64(3, int64(rec.TimeUnixNano))
	stmt.BindText(4, attrsJSON)

	_, err = stmt.Step()
	stmt.Reset()
	if err != nil {
		return fmt.Errorf("failed to insert event for span %s: %w", rec.SpanID, err)
	}
	return nil
}

func bindNullableText(stmt *sqlite.Stmt, param int, v *string) {
	if v == nil {
		stmt.BindNull(param)
		return
	}
	stmt.BindText(param, *v)
}

// --- Read primitives ---

const spanColumns = `trace_id, span_id, parent_span_id, name,
	start_time_unix_nano, end_time_unix_nano,
	status_code, status_message, attributes_json,
	conversation_id, agent, model, resource_json`

// GetSpan returns a single span by id, or ErrNotFound.
func (s *Store) GetSpan(spanID string) (*SpanRecord, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + spanColumns + ` FROM spans WHERE span_id = ?`)
	defer stmt.Reset()
	stmt.BindText(1, spanID)

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, fmt.Errorf("failed to query span: %w", err)
	}
	if !hasRow {
		return nil, ErrNotFound
	}

	return scanSpan(stmt)
}

// GetSpansByTrace returns every span sharing traceID, ordered by start
// time ascending.
func (s *Store) GetSpansByTrace(traceID string) ([]*SpanRecord, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT ` + spanColumns + `
		FROM spans WHERE trace_id = ? ORDER BY start_time_unix_nano`)
	defer stmt.Reset()
	stmt.BindText(1, traceID)

	var spans []*SpanRecord
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to query spans by trace: %w", err)
		}
		if !hasRow {
			break
		}
		rec, err := scanSpan(stmt)
		if err != nil {
			return nil, err
		}
		spans = append(spans, rec)
	}
	return spans, nil
}

// GetEventsBySpanIDs returns all events for the given span ids grouped by
// span id, each group ordered by event time.
func (s *Store) GetEventsBySpanIDs(spanIDs []string) (map[string][]*EventRecord, error) {
	bySpan := make(map[string][]*EventRecord)
	if len(spanIDs) == 0 {
		return bySpan, nil
	}

	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spanIDs)), ",")
	stmt := conn.Prep(`SELECT id, span_id, name, time_unix_nano, attributes_json
		FROM events WHERE span_id IN (` + placeholders + `) ORDER BY time_unix_nano`)
	defer stmt.Reset()
	for i, id := range spanIDs {
		stmt.BindText(i+1, id)
	}

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		if !hasRow {
			break
		}

		attrs, err := ParseAttrsJSON(stmt.ColumnText(4))
		if err != nil {
			return nil, err
		}
		rec := &EventRecord{
			ID:           stmt.ColumnInt64(0),
			SpanID:       stmt.ColumnText(1),
			Name:         stmt.ColumnText(2),
			TimeUnixNano: uint64(stmt.ColumnInt64(3)),
			Attributes:   attrs,
		}
		bySpan[rec.SpanID] = append(bySpan[rec.SpanID], rec)
	}
	return bySpan, nil
}

// CountConversations returns the number of distinct conversation ids,
// optionally filtered by agent.
func (s *Store) CountConversations(agent string) (int64, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return 0, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	var stmt *sqlite.Stmt
	if agent == "" {
		stmt = conn.Prep(`SELECT COUNT(DISTINCT conversation_id) FROM spans
			WHERE conversation_id IS NOT NULL`)
	} else {
		stmt = conn.Prep(`SELECT COUNT(DISTINCT conversation_id) FROM spans
			WHERE conversation_id IS NOT NULL AND agent = ?`)
		stmt.BindText(1, agent)
	}
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.ColumnInt64(0), nil
}

// ListConversations returns one summary row per conversation root span,
// newest first. SpanCount, StartTime and EndTime aggregate over every
// span sharing the root's trace_id, because child spans never repeat the
// conversation id attribute.
func (s *Store) ListConversations(limit, offset int64, agent string) ([]*ConversationSummary, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	query := `SELECT
			root.conversation_id,
			root.agent,
			root.model,
			root.trace_id,
			COUNT(all_spans.span_id),
			MIN(all_spans.start_time_unix_nano) AS start_time,
			MAX(all_spans.end_time_unix_nano)
		FROM spans root
		JOIN spans all_spans ON all_spans.trace_id = root.trace_id
		WHERE root.conversation_id IS NOT NULL`
	if agent != "" {
		query += ` AND root.agent = ?`
	}
	query += `
		GROUP BY root.conversation_id
		ORDER BY start_time DESC
		LIMIT ? OFFSET ?`

	stmt := conn.Prep(query)
	defer stmt.Reset()
	param := 1
	if agent != "" {
		stmt.BindText(param, agent)
		param++
	}
	stmt.BindInt64(param, limit)
	stmt.BindInt64(param+1, offset)

	var summaries []*ConversationSummary
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		if !hasRow {
			break
		}

		summary := &ConversationSummary{
			ID:        stmt.ColumnText(0),
			Agent:     columnNullableText(stmt, 1),
			Model:     columnNullableText(stmt, 2),
			TraceID:   stmt.ColumnText(3),
			SpanCount: stmt.ColumnInt64(4),
			StartTime: uint64(stmt.ColumnInt64(5)),
			EndTime:   uint64(stmt.ColumnInt64(6)),
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// TraceIDForConversation resolves the trace id of the first span carrying
// the conversation id attribute, or ErrNotFound.
func (s *Store) TraceIDForConversation(conversationID string) (string, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return "", fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT trace_id FROM spans WHERE conversation_id = ? LIMIT 1`)
	defer stmt.Reset()
	stmt.BindText(1, conversationID)

	hasRow, err := stmt.Step()
	if err != nil {
		return "", fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if !hasRow {
		return "", ErrNotFound
	}
	return stmt.ColumnText(0), nil
}

// TraceCost sums the yuu.cost.amount attribute over every yuu.cost event
// in the trace. Events missing the amount key contribute 0; a trace with
// no cost events sums to 0.
func (s *Store) TraceCost(traceID string) (float64, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return 0, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT COALESCE(SUM(
			json_extract(e.attributes_json, '$."` + AttrCostAmount + `"')
		), 0)
		FROM events e
		JOIN spans s ON e.span_id = s.span_id
		WHERE s.trace_id = ? AND e.name = ?`)
	defer stmt.Reset()
	stmt.BindText(1, traceID)
	stmt.BindText(2, EventCost)

	hasRow, err := stmt.Step()
	if err != nil {
		return 0, fmt.Errorf("failed to sum trace cost: %w", err)
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.ColumnFloat(0), nil
}

// TraceTokenUsage sums token counters over every yuu.llm.usage event in
// the trace, with the same missing-key tolerance as TraceCost.
func (s *Store) TraceTokenUsage(traceID string) (*TraceUsage, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT
			COALESCE(SUM(json_extract(e.attributes_json, '$."` + AttrUsageInputTokens + `"')), 0),
			COALESCE(SUM(json_extract(e.attributes_json, '$."` + AttrUsageOutputTokens + `"')), 0),
			COALESCE(SUM(json_extract(e.attributes_json, '$."` + AttrUsageCacheReadTokens + `"')), 0),
			COALESCE(SUM(json_extract(e.attributes_json, '$."` + AttrUsageCacheWriteTokens + `"')), 0)
		FROM events e
		JOIN spans s ON e.span_id = s.span_id
		WHERE s.trace_id = ? AND e.name = ?`)
	defer stmt.Reset()
	stmt.BindText(1, traceID)
	stmt.BindText(2, EventLLMUsage)

	usage := &TraceUsage{}
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, fmt.Errorf("failed to sum trace usage: %w", err)
	}
	if hasRow {
		usage.InputTokens = stmt.ColumnInt64(0)
		usage.OutputTokens = stmt.ColumnInt64(1)
		usage.CacheReadTokens = stmt.ColumnInt64(2)
		usage.CacheWriteTokens = stmt.ColumnInt64(3)
	}
	return usage, nil
}

// GetStats returns row counts for the health endpoint.
func (s *Store) GetStats() (*Stats, error) {
	conn := s.pool.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("failed to get connection from pool")
	}
	defer s.pool.Put(conn)

	stats := &Stats{}
	stmt := conn.Prep(`SELECT
			(SELECT COUNT(*) FROM spans),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(DISTINCT conversation_id) FROM spans WHERE conversation_id IS NOT NULL)`)
	defer stmt.Reset()

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	if hasRow {
		stats.Spans = stmt.ColumnInt64(0)
		stats.Events = stmt.ColumnInt64(1)
		stats.Conversations = stmt.ColumnInt64(2)
	}
	return stats, nil
}

func scanSpan(stmt *sqlite.Stmt) (*SpanRecord, error) {
	attrs, err := ParseAttrsJSON(stmt.ColumnText(8))
	if err != nil {
		return nil, err
	}
	resource, err := ParseAttrsJSON(stmt.ColumnText(12))
	if err != nil {
		return nil, err
	}

	return &SpanRecord{
		TraceID:           stmt.ColumnText(0),
		SpanID:            stmt.ColumnText(1),
		ParentSpanID:      columnNullableText(stmt, 2),
		Name:              stmt.ColumnText(3),
		StartTimeUnixNano: uint64(stmt.ColumnInt64(4)),
		EndTimeUnixNano:   uint64(stmt.ColumnInt64(5)),
		StatusCode:        int32(stmt.ColumnInt64(6)),
		StatusMessage:     columnNullableText(stmt, 7),
		Attributes:        attrs,
		ConversationID:    columnNullableText(stmt, 9),
		Agent:             columnNullableText(stmt, 10),
		Model:             columnNullableText(stmt, 11),
		Resource:          resource,
	}, nil
}

func columnNullableText(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnType(col) == sqlite.SQLITE_NULL {
		return nil
	}
	v := stmt.ColumnText(col)
	return &v
}
