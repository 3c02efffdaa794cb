// Package infinitemem implements Infinite Memory & the Hierarchical
// Aggregator (spec §4.7): an append-only store of raw tool/session events,
// plus a periodic sweep that rolls them up into 5-minute, hour, and day
// summaries, each level linked to the one beneath it.
//
// RawEvents are never deleted. A summary's constituent records are only
// ever detached (back-pointer set to NULL), never removed, so rebuilding an
// upper level can't destroy the levels underneath it (spec §9 "cyclic
// references" edge case, enforced by the schema's ON DELETE SET NULL FKs).
package infinitemem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/filter"
	"github.com/opencode-mem/memoryd/internal/llmgateway"
	"github.com/opencode-mem/memoryd/internal/model"
)

// Aggregator owns RawEvent and the three Summary levels over the pool it is
// given. cmd/memoryd passes the pool Storage uses, unless
// INFINITE_MEMORY_URL names a different database, in which case it opens a
// second pool for it.
type Aggregator struct {
	pool       *pgxpool.Pool
	filter     *filter.Service
	llm        *llmgateway.Gateway
	cfg        config.AggregatorConfig
	minEvents  int
	instanceID string

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Aggregator. minEventsPerBucket is spec §4.7's threshold a
// closed window must meet before it's summarized (config.QueueConfig's
// MinEventsPerBucket, kept there since it was defined alongside the rest of
// the background processor's tunables before this package existed).
func New(pool *pgxpool.Pool, flt *filter.Service, llm *llmgateway.Gateway, cfg config.AggregatorConfig, minEventsPerBucket int, instanceID string) *Aggregator {
	return &Aggregator{
		pool:       pool,
		filter:     flt,
		llm:        llm,
		cfg:        cfg,
		minEvents:  minEventsPerBucket,
		instanceID: instanceID,
	}
}

// StoreRawEvent implements observation.InfiniteMemoryWriter. evt.Content is
// filtered through filter_private_content before write regardless of
// whether the caller already filtered it, since this is the authoritative
// boundary spec §4.7's "Privacy" note names.
func (a *Aggregator) StoreRawEvent(ctx context.Context, evt model.RawEvent) error {
	content := evt.Content
	if len(content) > 0 {
		content = a.filter.FilterPrivateContent(json.RawMessage(content))
	} else {
		content = json.RawMessage(`{}`)
	}

	switch {
	case evt.EventType == "":
		evt.EventType = model.RawEventToolResult
	case !evt.EventType.Valid():
		slog.Warn("infinitemem: unknown raw event_type, skipping write", "event_type", evt.EventType, "session_id", evt.SessionID)
		return fmt.Errorf("infinitemem: store raw event: %w", errs.NewValidationError("event_type", fmt.Sprintf("unknown event_type %q", evt.EventType)))
	}

	const q = `
		INSERT INTO raw_events (session_id, project, event_type, content, files, tools)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := a.pool.Exec(ctx, q, evt.SessionID, evt.Project, string(evt.EventType), []byte(content), evt.Files, evt.Tools)
	if err != nil {
		return fmt.Errorf("infinitemem: store raw event: %w", err)
	}
	return nil
}

// Start launches the background aggregation sweep, grounded on
// pkg/cleanup/service.go's cancel-context + done-channel Start/Stop shape:
// an immediate first pass, then one pass per cfg.SweepInterval.
func (a *Aggregator) Start(ctx context.Context) {
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go a.run(ctx)
	slog.Info("infinitemem: aggregator started", "sweep_interval", a.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for the in-flight pass to
// finish.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	slog.Info("infinitemem: aggregator stopped")
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)

	a.runAll(ctx)

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runAll(ctx)
		}
	}
}

func (a *Aggregator) runAll(ctx context.Context) {
	if n, err := a.aggregate5Min(ctx); err != nil {
		slog.Error("infinitemem: 5-minute aggregation pass failed", "error", err)
	} else if n > 0 {
		slog.Info("infinitemem: closed 5-minute windows", "count", n)
	}

	if n, err := a.aggregateHour(ctx); err != nil {
		slog.Error("infinitemem: hourly aggregation pass failed", "error", err)
	} else if n > 0 {
		slog.Info("infinitemem: closed hour windows", "count", n)
	}

	if n, err := a.aggregateDay(ctx); err != nil {
		slog.Error("infinitemem: daily aggregation pass failed", "error", err)
	} else if n > 0 {
		slog.Info("infinitemem: closed day windows", "count", n)
	}
}

// Level names the four tiers a drill-down can resolve between (spec §4.7
// "Drill-down API").
type Level string

const (
	LevelDay   Level = "day"
	LevelHour  Level = "hour"
	Level5Min  Level = "5min"
	LevelRaw   Level = "raw"
)

// DrillDown returns the records one level beneath id at level (spec §4.7:
// "given any summary id, return the constituent records one level down").
// An unknown level or an id absent at that level is a ValidationFailed
// error rather than a silently empty result (SPEC_FULL §7 "drill-down depth
// guard" — this is the base case that guard bottoms out on).
func (a *Aggregator) DrillDown(ctx context.Context, level Level, id int64) (any, error) {
	switch level {
	case LevelDay:
		return a.hoursForDay(ctx, id)
	case LevelHour:
		return a.fiveMinForHour(ctx, id)
	case Level5Min:
		return a.rawEventsFor5Min(ctx, id)
	case LevelRaw:
		return nil, errs.NewValidationError("level", "raw events have no level beneath them")
	default:
		return nil, errs.NewValidationError("level", fmt.Sprintf("unknown drill-down level %q", level))
	}
}

// maxDrillDownHops bounds DrillDownToRaw's descent: day→hour→5min→raw is
// three hops at most, so a fourth iteration would mean a cycle in the data
// that the schema's FK structure should make impossible — this is a
// defensive backstop, not an expected code path.
const maxDrillDownHops = 3

// DrillDownToRaw descends from any level all the way to the raw events
// beneath it, bounded by maxDrillDownHops (SPEC_FULL §7's depth guard).
func (a *Aggregator) DrillDownToRaw(ctx context.Context, level Level, id int64) ([]*model.RawEvent, error) {
	hops := 0
	for {
		if hops >= maxDrillDownHops {
			return nil, errs.NewValidationError("level", "drill-down exceeded the day→hour→5min→raw depth bound")
		}
		hops++

		children, err := a.DrillDown(ctx, level, id)
		if err != nil {
			return nil, err
		}

		switch c := children.(type) {
		case []*model.SummaryHour:
			if len(c) == 0 {
				return nil, nil
			}
			return a.drillDownAll(ctx, LevelHour, hourIDs(c))
		case []*model.Summary5min:
			if len(c) == 0 {
				return nil, nil
			}
			return a.drillDownAll(ctx, Level5Min, fiveMinIDs(c))
		case []*model.RawEvent:
			return c, nil
		default:
			return nil, errs.NewValidationError("level", fmt.Sprintf("unexpected drill-down result at level %q", level))
		}
	}
}

// drillDownAll fans DrillDownToRaw out across every id at level and unions
// the raw events found, since a day/hour fans out to many children before
// reaching raw events.
func (a *Aggregator) drillDownAll(ctx context.Context, level Level, ids []int64) ([]*model.RawEvent, error) {
	var out []*model.RawEvent
	for _, id := range ids {
		events, err := a.DrillDownToRaw(ctx, level, id)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func hourIDs(hours []*model.SummaryHour) []int64 {
	ids := make([]int64, len(hours))
	for i, h := range hours {
		ids[i] = h.ID
	}
	return ids
}

func fiveMinIDs(fivemins []*model.Summary5min) []int64 {
	ids := make([]int64, len(fivemins))
	for i, f := range fivemins {
		ids[i] = f.ID
	}
	return ids
}

func (a *Aggregator) hoursForDay(ctx context.Context, dayID int64) ([]*model.SummaryHour, error) {
	if _, err := a.getSummaryDay(ctx, dayID); err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, summaryHourColumns+` FROM summaries_hour WHERE summary_day_id = $1 ORDER BY ts_start`, dayID)
	if err != nil {
		return nil, fmt.Errorf("infinitemem: hours for day: %w", err)
	}
	defer rows.Close()
	return scanSummaryHours(rows)
}

func (a *Aggregator) fiveMinForHour(ctx context.Context, hourID int64) ([]*model.Summary5min, error) {
	if _, err := a.getSummaryHour(ctx, hourID); err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, summary5minColumns+` FROM summaries_5min WHERE summary_hour_id = $1 ORDER BY ts_start`, hourID)
	if err != nil {
		return nil, fmt.Errorf("infinitemem: 5-minute summaries for hour: %w", err)
	}
	defer rows.Close()
	return scanSummary5mins(rows)
}

func (a *Aggregator) rawEventsFor5Min(ctx context.Context, fiveMinID int64) ([]*model.RawEvent, error) {
	if _, err := a.getSummary5min(ctx, fiveMinID); err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, rawEventColumns+` FROM raw_events WHERE summary_5min_id = $1 ORDER BY ts`, fiveMinID)
	if err != nil {
		return nil, fmt.Errorf("infinitemem: raw events for 5-minute summary: %w", err)
	}
	defer rows.Close()
	return scanRawEvents(rows)
}

func (a *Aggregator) getSummaryDay(ctx context.Context, id int64) (*model.SummaryDay, error) {
	row := a.pool.QueryRow(ctx, summaryDayColumns+` FROM summaries_day WHERE id = $1`, id)
	d, err := scanSummaryDay(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.NewValidationError("id", fmt.Sprintf("no day summary with id %d", id))
		}
		return nil, fmt.Errorf("infinitemem: get day summary: %w", err)
	}
	return d, nil
}

func (a *Aggregator) getSummaryHour(ctx context.Context, id int64) (*model.SummaryHour, error) {
	row := a.pool.QueryRow(ctx, summaryHourColumns+` FROM summaries_hour WHERE id = $1`, id)
	h, err := scanSummaryHour(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.NewValidationError("id", fmt.Sprintf("no hour summary with id %d", id))
		}
		return nil, fmt.Errorf("infinitemem: get hour summary: %w", err)
	}
	return h, nil
}

func (a *Aggregator) getSummary5min(ctx context.Context, id int64) (*model.Summary5min, error) {
	row := a.pool.QueryRow(ctx, summary5minColumns+` FROM summaries_5min WHERE id = $1`, id)
	f, err := scanSummary5min(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.NewValidationError("id", fmt.Sprintf("no 5-minute summary with id %d", id))
		}
		return nil, fmt.Errorf("infinitemem: get 5-minute summary: %w", err)
	}
	return f, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
