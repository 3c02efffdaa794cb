// Package mcptools is the MCP surface boundary stub (SPEC_FULL §6): the
// closed set of tool names an MCP-speaking editor can call against memoryd,
// plus the thin request/response plumbing that wires each one to the
// Observation Service, Search, and Infinite Memory. It does not implement
// the MCP wire protocol itself (framing, JSON-RPC transport) — that belongs
// to whatever MCP server library the deployment wraps this package with.
package mcptools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opencode-mem/memoryd/internal/infinitemem"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/observation"
	"github.com/opencode-mem/memoryd/internal/search"
	"github.com/opencode-mem/memoryd/internal/store"
)

// ToolName is the closed enumeration of tools this surface exposes,
// grounded on tarsy's pkg/config/enums.go closed-string-enum idiom.
type ToolName string

const (
	ToolSearchMemory  ToolName = "search_memory"
	ToolSaveMemory    ToolName = "save_memory"
	ToolRecordInject  ToolName = "record_injected"
	ToolDrillDown     ToolName = "drill_down"
)

// AllToolNames is the single source of truth for the enumeration.
var AllToolNames = []ToolName{ToolSearchMemory, ToolSaveMemory, ToolRecordInject, ToolDrillDown}

// Valid reports whether t is one of AllToolNames.
func (t ToolName) Valid() bool {
	for _, v := range AllToolNames {
		if t == v {
			return true
		}
	}
	return false
}

// Tools wires the MCP surface's handlers to the orchestrator, search, and
// infinite-memory components they call through to.
type Tools struct {
	store      store.Storage
	search     *search.Search
	orch       *observation.Orchestrator
	aggregator *infinitemem.Aggregator
}

// New builds a Tools surface. aggregator may be nil, in which case
// DrillDown always fails (infinite memory is disabled for this deployment).
func New(st store.Storage, srch *search.Search, orch *observation.Orchestrator, aggregator *infinitemem.Aggregator) *Tools {
	return &Tools{store: st, search: srch, orch: orch, aggregator: aggregator}
}

// SearchMemoryRequest is search_memory's input.
type SearchMemoryRequest struct {
	Query     string
	SessionID uuid.UUID // zero value: unscoped
	Type      model.ObservationType
	Limit     int
}

// SearchMemory runs a hybrid search and, as a side effect of returning
// results to the editor, records every returned observation's ID as
// injected for echo suppression (spec §4.5 "Echo suppression": injection
// happens at the point memory is handed back to the context window).
func (t *Tools) SearchMemory(ctx context.Context, req SearchMemoryRequest) ([]search.Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	results, err := t.search.HybridSearch(ctx, t.store, req.Query, search.Scope{SessionID: req.SessionID, Type: req.Type}, limit)
	if err != nil {
		return nil, fmt.Errorf("mcptools: search_memory: %w", err)
	}

	if req.SessionID != uuid.Nil && len(results) > 0 {
		ids := make([]uuid.UUID, len(results))
		for i, r := range results {
			ids[i] = r.Observation.ID
		}
		t.orch.RecordInjected(req.SessionID, ids)
	}
	return results, nil
}

// SaveMemoryRequest is save_memory's input.
type SaveMemoryRequest struct {
	Title     string
	Body      string
	SessionID uuid.UUID
}

// SaveMemory implements the save_memory tool (spec §4.5 step 8's direct
// path, bypassing LLM compression).
func (t *Tools) SaveMemory(ctx context.Context, req SaveMemoryRequest) (*model.Observation, error) {
	obs, err := t.orch.SaveMemory(ctx, req.Title, req.Body, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("mcptools: save_memory: %w", err)
	}
	return obs, nil
}

// RecordInjected implements the record_injected tool: an editor-driven call
// for memory handed to the context window outside of SearchMemory's own
// results (e.g. memory pasted verbatim by the user).
func (t *Tools) RecordInjected(sessionID uuid.UUID, ids []uuid.UUID) {
	t.orch.RecordInjected(sessionID, ids)
}

// DrillDownRequest is drill_down's input.
type DrillDownRequest struct {
	Level infinitemem.Level
	ID    int64
}

// DrillDown implements the drill_down tool (spec §4.7 "Drill-down API").
func (t *Tools) DrillDown(ctx context.Context, req DrillDownRequest) (any, error) {
	if t.aggregator == nil {
		return nil, fmt.Errorf("mcptools: drill_down: infinite memory is disabled for this deployment")
	}
	return t.aggregator.DrillDown(ctx, req.Level, req.ID)
}
