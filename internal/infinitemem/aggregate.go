package infinitemem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-mem/memoryd/internal/llmgateway"
	"github.com/opencode-mem/memoryd/internal/model"
)

// bucketGroup is one strict, closed, not-yet-summarized window for a single
// session (spec §4.7: "Per-session, per-bucket pipeline").
type bucketGroup struct {
	SessionID   uuid.UUID
	Project     string
	BucketStart time.Time
	BucketEnd   time.Time
	Count       int
}

// closedBuckets finds every (session, bucket) pair in table whose window has
// fully elapsed and whose rows haven't been rolled up into backptrColumn or
// claimed by another aggregator instance yet. Bucketing is strict
// floor(epoch/window)*window per session, matching the schema's own window
// CHECK constraints rather than a rolling or sliding window.
func (a *Aggregator) closedBuckets(ctx context.Context, table, tsColumn, backptrColumn string, window time.Duration) ([]bucketGroup, error) {
	windowSecs := window.Seconds()

	query := fmt.Sprintf(`
		SELECT session_id, project,
			to_timestamp(floor(extract(epoch from %s) / $1) * $1) AS bucket_start,
			count(*)
		FROM %s
		WHERE %s IS NULL AND processing_started_at IS NULL
		GROUP BY session_id, project, bucket_start
		HAVING to_timestamp(floor(extract(epoch from %s) / $1) * $1) + make_interval(secs => $1) <= now()
		ORDER BY bucket_start
		LIMIT $2`, tsColumn, table, backptrColumn, tsColumn)

	rows, err := a.pool.Query(ctx, query, windowSecs, a.cfg.SessionBatchSize)
	if err != nil {
		return nil, fmt.Errorf("infinitemem: closed buckets for %s: %w", table, err)
	}
	defer rows.Close()

	var groups []bucketGroup
	for rows.Next() {
		var g bucketGroup
		if err := rows.Scan(&g.SessionID, &g.Project, &g.BucketStart, &g.Count); err != nil {
			return nil, fmt.Errorf("infinitemem: scan bucket for %s: %w", table, err)
		}
		g.BucketEnd = g.BucketStart.Add(window)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// aggregate5Min closes any finished 5-minute window across all sessions that
// has accumulated at least minEvents raw events, folding them into one
// summaries_5min row apiece.
func (a *Aggregator) aggregate5Min(ctx context.Context) (int, error) {
	groups, err := a.closedBuckets(ctx, "raw_events", "ts", "summary_5min_id", model.Window5Min)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, g := range groups {
		if g.Count < a.minEvents {
			// Too few events for this bucket to clear the threshold; they
			// stay unaggregated at this level rather than forcing a
			// low-signal summary (spec §4.7 min_events gate).
			continue
		}
		ok, err := a.summarizeRawEvents(ctx, g)
		if err != nil {
			slog.Error("infinitemem: 5-minute bucket summarization failed", "error", err, "session_id", g.SessionID, "bucket_start", g.BucketStart)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (a *Aggregator) summarizeRawEvents(ctx context.Context, g bucketGroup) (bool, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, rawEventColumns+`
		FROM raw_events
		WHERE session_id = $1 AND project = $2 AND ts >= $3 AND ts < $4
			AND summary_5min_id IS NULL AND processing_started_at IS NULL
		FOR UPDATE SKIP LOCKED`, g.SessionID, g.Project, g.BucketStart, g.BucketEnd)
	if err != nil {
		return false, fmt.Errorf("select raw events: %w", err)
	}
	events, err := scanRawEvents(rows)
	if err != nil {
		return false, fmt.Errorf("scan raw events: %w", err)
	}
	if len(events) < a.minEvents {
		// Another instance already claimed some of these rows, dropping
		// this bucket below threshold; leave the rest for a later pass.
		return false, nil
	}

	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx, `UPDATE raw_events SET processing_started_at = now(), processing_instance_id = $2 WHERE id = ANY($1)`, ids, a.instanceID); err != nil {
		return false, fmt.Errorf("lease raw events: %w", err)
	}

	content, entities, err := a.summarizeRawEventContent(ctx, events)
	if err != nil {
		return false, fmt.Errorf("summarize raw events: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("llm returned an empty summary for bucket starting %s", g.BucketStart)
	}

	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return false, fmt.Errorf("marshal entities: %w", err)
	}

	var summaryID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO summaries_5min (ts_start, ts_end, session_id, project, content, event_count, entities)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, g.BucketStart, g.BucketEnd, g.SessionID, g.Project, content, len(events), entitiesJSON).Scan(&summaryID)
	if err != nil {
		return false, fmt.Errorf("insert 5-minute summary: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE raw_events SET summary_5min_id = $1, processing_started_at = NULL, processing_instance_id = '' WHERE id = ANY($2)`, summaryID, ids); err != nil {
		return false, fmt.Errorf("link raw events to summary: %w", err)
	}

	return true, tx.Commit(ctx)
}

// aggregateHour rolls closed 5-minute summaries up into hour summaries, one
// level up the same strict-bucket pipeline as aggregate5Min.
func (a *Aggregator) aggregateHour(ctx context.Context) (int, error) {
	groups, err := a.closedBuckets(ctx, "summaries_5min", "ts_start", "summary_hour_id", model.WindowHour)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, g := range groups {
		ok, err := a.summarizeHour(ctx, g)
		if err != nil {
			slog.Error("infinitemem: hour bucket summarization failed", "error", err, "session_id", g.SessionID, "bucket_start", g.BucketStart)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (a *Aggregator) summarizeHour(ctx context.Context, g bucketGroup) (bool, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, summary5minColumns+`
		FROM summaries_5min
		WHERE session_id = $1 AND project = $2 AND ts_start >= $3 AND ts_start < $4
			AND summary_hour_id IS NULL AND processing_started_at IS NULL
		FOR UPDATE SKIP LOCKED`, g.SessionID, g.Project, g.BucketStart, g.BucketEnd)
	if err != nil {
		return false, fmt.Errorf("select 5-minute summaries: %w", err)
	}
	fivemins, err := scanSummary5mins(rows)
	if err != nil {
		return false, fmt.Errorf("scan 5-minute summaries: %w", err)
	}
	if len(fivemins) == 0 {
		return false, nil
	}

	ids := make([]int64, len(fivemins))
	texts := make([]string, len(fivemins))
	eventCount := 0
	var entities model.EntityReferences
	for i, s := range fivemins {
		ids[i] = s.ID
		texts[i] = s.Content
		eventCount += s.EventCount
		entities = mergeEntities(entities, s.Entities)
	}
	if _, err := tx.Exec(ctx, `UPDATE summaries_5min SET processing_started_at = now(), processing_instance_id = $2 WHERE id = ANY($1)`, ids, a.instanceID); err != nil {
		return false, fmt.Errorf("lease 5-minute summaries: %w", err)
	}

	content, err := a.condenseContent(ctx, "5-minute summaries", texts)
	if err != nil {
		return false, fmt.Errorf("condense hour content: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("llm returned an empty summary for hour bucket starting %s", g.BucketStart)
	}

	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return false, fmt.Errorf("marshal entities: %w", err)
	}

	var summaryID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO summaries_hour (ts_start, ts_end, session_id, project, content, event_count, entities)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, g.BucketStart, g.BucketEnd, g.SessionID, g.Project, content, eventCount, entitiesJSON).Scan(&summaryID)
	if err != nil {
		return false, fmt.Errorf("insert hour summary: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE summaries_5min SET summary_hour_id = $1, processing_started_at = NULL, processing_instance_id = '' WHERE id = ANY($2)`, summaryID, ids); err != nil {
		return false, fmt.Errorf("link 5-minute summaries to hour summary: %w", err)
	}

	return true, tx.Commit(ctx)
}

// aggregateDay rolls closed hour summaries up into day summaries, the top of
// the hierarchy (spec §4.7: day summaries have no parent level).
func (a *Aggregator) aggregateDay(ctx context.Context) (int, error) {
	groups, err := a.closedBuckets(ctx, "summaries_hour", "ts_start", "summary_day_id", model.WindowDay)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, g := range groups {
		ok, err := a.summarizeDay(ctx, g)
		if err != nil {
			slog.Error("infinitemem: day bucket summarization failed", "error", err, "session_id", g.SessionID, "bucket_start", g.BucketStart)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (a *Aggregator) summarizeDay(ctx context.Context, g bucketGroup) (bool, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, summaryHourColumns+`
		FROM summaries_hour
		WHERE session_id = $1 AND project = $2 AND ts_start >= $3 AND ts_start < $4
			AND summary_day_id IS NULL AND processing_started_at IS NULL
		FOR UPDATE SKIP LOCKED`, g.SessionID, g.Project, g.BucketStart, g.BucketEnd)
	if err != nil {
		return false, fmt.Errorf("select hour summaries: %w", err)
	}
	hours, err := scanSummaryHours(rows)
	if err != nil {
		return false, fmt.Errorf("scan hour summaries: %w", err)
	}
	if len(hours) == 0 {
		return false, nil
	}

	ids := make([]int64, len(hours))
	texts := make([]string, len(hours))
	eventCount := 0
	var entities model.EntityReferences
	for i, s := range hours {
		ids[i] = s.ID
		texts[i] = s.Content
		eventCount += s.EventCount
		entities = mergeEntities(entities, s.Entities)
	}
	if _, err := tx.Exec(ctx, `UPDATE summaries_hour SET processing_started_at = now(), processing_instance_id = $2 WHERE id = ANY($1)`, ids, a.instanceID); err != nil {
		return false, fmt.Errorf("lease hour summaries: %w", err)
	}

	content, err := a.condenseContent(ctx, "hour summaries", texts)
	if err != nil {
		return false, fmt.Errorf("condense day content: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("llm returned an empty summary for day bucket starting %s", g.BucketStart)
	}

	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return false, fmt.Errorf("marshal entities: %w", err)
	}

	var summaryID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO summaries_day (ts_start, ts_end, session_id, project, content, event_count, entities)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, g.BucketStart, g.BucketEnd, g.SessionID, g.Project, content, eventCount, entitiesJSON).Scan(&summaryID)
	if err != nil {
		return false, fmt.Errorf("insert day summary: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE summaries_hour SET summary_day_id = $1, processing_started_at = NULL, processing_instance_id = '' WHERE id = ANY($2)`, summaryID, ids); err != nil {
		return false, fmt.Errorf("link hour summaries to day summary: %w", err)
	}

	return true, tx.Commit(ctx)
}

// rawEventSummary is the shape the LLM is asked to return when condensing a
// 5-minute bucket of raw events: content plus a first extraction of entities
// (files, functions, libraries, errors, decisions).
type rawEventSummary struct {
	Content  string                 `json:"content"`
	Entities model.EntityReferences `json:"entities"`
}

const rawEventSchemaHint = `{"content": "string", "entities": {"files": ["string"], "functions": ["string"], "libraries": ["string"], "errors": ["string"], "decisions": ["string"]}}`

// summarizeRawEventContent asks the LLM Gateway to turn a window of raw
// events into one prose summary and the structured entities it references —
// this is the one point in the pipeline where entities are actually
// extracted; every level above unions what's already been found rather than
// re-extracting (mergeEntities).
func (a *Aggregator) summarizeRawEventContent(ctx context.Context, events []*model.RawEvent) (string, model.EntityReferences, error) {
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "[%s] %s", e.Timestamp.Format(time.RFC3339), e.EventType)
		if len(e.Tools) > 0 {
			fmt.Fprintf(&sb, " tools=%s", strings.Join(e.Tools, ","))
		}
		if len(e.Files) > 0 {
			fmt.Fprintf(&sb, " files=%s", strings.Join(e.Files, ","))
		}
		sb.WriteString("\n")
		sb.Write(e.Content)
		sb.WriteString("\n\n")
	}

	messages := []llmgateway.Message{
		{Role: "system", Content: "Summarize this window of raw tool/session events into one short paragraph and extract any files, functions, libraries, errors, and decisions mentioned."},
		{Role: "user", Content: sb.String()},
	}

	raw, err := a.llm.ChatCompletion(ctx, messages, rawEventSchemaHint)
	if err != nil {
		return "", model.EntityReferences{}, err
	}

	var parsed rawEventSummary
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", model.EntityReferences{}, fmt.Errorf("unmarshal raw event summary: %w", err)
	}
	return parsed.Content, parsed.Entities, nil
}

const condenseSchemaHint = `{"content": "string"}`

// condenseContent asks the LLM Gateway to fold a batch of already-summarized
// text (5-minute summaries into an hour, hour summaries into a day) into one
// shorter paragraph. label only flavors the prompt for readability in logs
// and doesn't affect parsing.
func (a *Aggregator) condenseContent(ctx context.Context, label string, texts []string) (string, error) {
	messages := []llmgateway.Message{
		{Role: "system", Content: fmt.Sprintf("Condense these %s into one short paragraph covering everything noteworthy across all of them.", label)},
		{Role: "user", Content: strings.Join(texts, "\n\n")},
	}

	raw, err := a.llm.ChatCompletion(ctx, messages, condenseSchemaHint)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal condensed content: %w", err)
	}
	return parsed.Content, nil
}

// mergeEntities unions two EntityReferences, deduplicating but preserving
// first-seen order, so rolling a level up never re-asks the LLM for
// structured extraction it already did at the level below.
func mergeEntities(a, b model.EntityReferences) model.EntityReferences {
	return model.EntityReferences{
		Files:     dedupeAppend(a.Files, b.Files),
		Functions: dedupeAppend(a.Functions, b.Functions),
		Libraries: dedupeAppend(a.Libraries, b.Libraries),
		Errors:    dedupeAppend(a.Errors, b.Errors),
		Decisions: dedupeAppend(a.Decisions, b.Decisions),
	}
}

func dedupeAppend(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(add))
	for _, v := range existing {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range add {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
