package infinitemem

import (
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/opencode-mem/memoryd/internal/model"
)

// rowScanner lets the scan* helpers below accept either a pgx.Row (single
// result) or pgx.Rows (iterating a result set), matching internal/store's
// own scanObservation pattern.
type rowScanner interface {
	Scan(dest ...any) error
}

const rawEventColumns = `SELECT id, ts, session_id, project, event_type, content, files, tools,
	summary_5min_id, processing_started_at, processing_instance_id, retry_count`

const summary5minColumns = `SELECT id, ts_start, ts_end, session_id, project, content, event_count,
	entities, summary_hour_id, processing_started_at, processing_instance_id, retry_count`

const summaryHourColumns = `SELECT id, ts_start, ts_end, session_id, project, content, event_count,
	entities, summary_day_id, processing_started_at, processing_instance_id, retry_count`

const summaryDayColumns = `SELECT id, ts_start, ts_end, session_id, project, content, event_count,
	entities, processing_started_at, processing_instance_id, retry_count`

func scanRawEvent(row rowScanner) (*model.RawEvent, error) {
	var e model.RawEvent
	var eventType string
	var content []byte
	if err := row.Scan(
		&e.ID, &e.Timestamp, &e.SessionID, &e.Project, &eventType, &content,
		&e.Files, &e.Tools, &e.Summary5minID, &e.ProcessingStartedAt,
		&e.ProcessingInstanceID, &e.RetryCount,
	); err != nil {
		return nil, err
	}
	e.EventType = model.RawEventType(eventType)
	e.Content = content
	return &e, nil
}

func scanRawEvents(rows pgx.Rows) ([]*model.RawEvent, error) {
	var out []*model.RawEvent
	for rows.Next() {
		e, err := scanRawEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntities(raw []byte) model.EntityReferences {
	var e model.EntityReferences
	if len(raw) == 0 {
		return e
	}
	_ = json.Unmarshal(raw, &e) // malformed/empty JSONB degrades to zero-value entities, not an error
	return e
}

func scanSummary5min(row rowScanner) (*model.Summary5min, error) {
	var s model.Summary5min
	var entities []byte
	if err := row.Scan(
		&s.ID, &s.TSStart, &s.TSEnd, &s.SessionID, &s.Project, &s.Content, &s.EventCount,
		&entities, &s.SummaryHourID, &s.ProcessingStartedAt, &s.ProcessingInstanceID, &s.RetryCount,
	); err != nil {
		return nil, err
	}
	s.Entities = scanEntities(entities)
	return &s, nil
}

func scanSummary5mins(rows pgx.Rows) ([]*model.Summary5min, error) {
	var out []*model.Summary5min
	for rows.Next() {
		s, err := scanSummary5min(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSummaryHour(row rowScanner) (*model.SummaryHour, error) {
	var s model.SummaryHour
	var entities []byte
	if err := row.Scan(
		&s.ID, &s.TSStart, &s.TSEnd, &s.SessionID, &s.Project, &s.Content, &s.EventCount,
		&entities, &s.SummaryDayID, &s.ProcessingStartedAt, &s.ProcessingInstanceID, &s.RetryCount,
	); err != nil {
		return nil, err
	}
	s.Entities = scanEntities(entities)
	return &s, nil
}

func scanSummaryHours(rows pgx.Rows) ([]*model.SummaryHour, error) {
	var out []*model.SummaryHour
	for rows.Next() {
		s, err := scanSummaryHour(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSummaryDay(row rowScanner) (*model.SummaryDay, error) {
	var s model.SummaryDay
	var entities []byte
	if err := row.Scan(
		&s.ID, &s.TSStart, &s.TSEnd, &s.SessionID, &s.Project, &s.Content, &s.EventCount,
		&entities, &s.ProcessingStartedAt, &s.ProcessingInstanceID, &s.RetryCount,
	); err != nil {
		return nil, err
	}
	s.Entities = scanEntities(entities)
	return &s, nil
}
