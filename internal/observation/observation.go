// Package observation implements the Observation Service orchestrator
// (spec §4.5): pre-filter → candidate retrieval → LLM compression →
// decision handling → persist → concurrent post-actions → embed, plus the
// echo-suppression and dedup-threshold rules that sit alongside it.
package observation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/embedding"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/filter"
	"github.com/opencode-mem/memoryd/internal/llmgateway"
	"github.com/opencode-mem/memoryd/internal/model"
	"github.com/opencode-mem/memoryd/internal/search"
	"github.com/opencode-mem/memoryd/internal/store"
)

// InfiniteMemoryWriter is the narrow slice of Infinite Memory the pipeline
// needs: appending the raw event regardless of how the filtered/compressed
// path resolved (spec §4.5 step 1: "except for Infinite Memory, which still
// receives the raw event").
type InfiniteMemoryWriter interface {
	StoreRawEvent(ctx context.Context, evt model.RawEvent) error
}

// KnowledgeExtractor runs the extract_knowledge LLM call (spec §4.5 step 6).
// Kept as its own seam so a no-op stub can stand in until the prompt is
// wired, without the orchestrator depending on llmgateway twice.
type KnowledgeExtractor interface {
	ExtractKnowledge(ctx context.Context, o *model.Observation) error
}

// EventPublisher fans out completed-observation notifications to whatever
// transport internal/events is configured with (Postgres LISTEN/NOTIFY or
// Kafka). Nil by default — publishing is ambient plumbing, not on the
// critical persistence path (SPEC_FULL §5).
type EventPublisher interface {
	PublishObservationCreated(ctx context.Context, o *model.Observation) error
}

// injectedStore is the echo-suppression tracker's contract: an in-process
// map by default, or a Redis-backed implementation shared across replicas
// (SPEC_FULL §5's distributed echo-suppression cache). Both satisfy this
// interface so Orchestrator never knows which backend it's talking to.
type injectedStore interface {
	Record(sessionID uuid.UUID, ids []uuid.UUID)
	Prune(maxAge time.Duration) int
	Recent(sessionID uuid.UUID) []uuid.UUID
}

// ToolInteraction is one incoming tool call/result pair, session, and
// project (spec §4.5's "T", "S", "P").
type ToolInteraction struct {
	ToolName       string
	SessionID      uuid.UUID
	Project        string
	ToolResponse   string          // text used for filtering, lexical search, and the LLM prompt
	RawPayload     json.RawMessage // full structured payload, private-content filtered before infinite memory
	CreatedAtEpoch int64
	PromptNumber   model.PromptNumber
}

// Orchestrator wires every component C5 depends on.
type Orchestrator struct {
	store          store.Storage
	search         *search.Search
	llm            *llmgateway.Gateway
	embedder       *embedding.Service
	filter         *filter.Service
	knowledge      KnowledgeExtractor
	infiniteMemory InfiniteMemoryWriter
	dedup          config.DedupConfig
	injected       injectedStore
	events         EventPublisher
}

// New builds an Orchestrator. infiniteMemory and knowledge may be nil, in
// which case their post-action steps are skipped silently rather than
// failing the pipeline (spec §4.5 step 6: "errors... log at warn but
// do not fail the pipeline").
func New(st store.Storage, srch *search.Search, llm *llmgateway.Gateway, embedder *embedding.Service, flt *filter.Service, knowledge KnowledgeExtractor, infiniteMemory InfiniteMemoryWriter, dedup config.DedupConfig) *Orchestrator {
	return &Orchestrator{
		store:          st,
		search:         srch,
		llm:            llm,
		embedder:       embedder,
		filter:         flt,
		knowledge:      knowledge,
		infiniteMemory: infiniteMemory,
		dedup:          dedup,
		injected:       newInjectedTracker(dedup.MaxInjectedIDs),
	}
}

// UseRedisInjectedTracker switches echo-suppression tracking from the
// default in-process map to a Redis-backed store shared across replicas,
// generalizing tarsy's pkg/queue/pool.go activeSessions idiom to a
// multi-replica deployment (SPEC_FULL §5). Call once during startup, before
// ProcessInteraction runs concurrently; a nil client leaves the in-process
// tracker in place.
func (o *Orchestrator) UseRedisInjectedTracker(client *redis.Client, maxPerSession int, ttl time.Duration) {
	if client == nil {
		return
	}
	o.injected = newRedisInjectedTracker(client, maxPerSession, ttl)
}

// SetEventPublisher wires an EventPublisher so each persisted observation is
// fanned out to internal/events. Optional: a nil publisher (the default)
// simply skips the notification.
func (o *Orchestrator) SetEventPublisher(p EventPublisher) {
	o.events = p
}

// RecordInjected marks ids as having just been injected into sessionID's
// context window, feeding future echo-suppression checks (spec §4.5
// "Echo suppression"). Called by the surface that serves memory context
// back to the editor (internal/mcptools/internal/api), not by this
// package's own pipeline.
func (o *Orchestrator) RecordInjected(sessionID uuid.UUID, ids []uuid.UUID) {
	o.injected.Record(sessionID, ids)
}

// PruneInjectedTracker garbage-collects echo-suppression tracker entries for
// sessions that haven't had anything injected in maxAge, bounding the
// tracker's memory by session turnover rather than only by entries per
// session. Intended to be called periodically by the Queue & Background
// Processor's injection-ID GC sweep (spec §4.6).
func (o *Orchestrator) PruneInjectedTracker(maxAge time.Duration) int {
	return o.injected.Prune(maxAge)
}

// SweepDedup re-scans up to batchSize recently created observations for
// near-duplicates that the inline dedup check at write time could have
// missed — two concurrent CREATEs racing past each other before either one's
// embedding was visible to the other's NearestObservation lookup. Any pair
// found at or above the dedup threshold is merged into the older
// observation. Intended to be run periodically by the Queue & Background
// Processor's 30-minute dedup sweep (spec §4.6).
func (o *Orchestrator) SweepDedup(ctx context.Context, batchSize int) (int, error) {
	recent, err := o.store.GetRecent(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("observation: dedup sweep: list recent: %w", err)
	}

	merged := 0
	for _, candidate := range recent {
		embeddings, err := o.store.GetEmbeddingsForIDs(ctx, []uuid.UUID{candidate.ID})
		if err != nil || len(embeddings) == 0 {
			continue
		}
		vec := embeddings[candidate.ID].Vector[:]

		nearest, sim, ok, err := o.search.NearestObservation(ctx, o.store, vec, candidate.ID)
		if err != nil {
			slog.Warn("observation: dedup sweep nearest-neighbor lookup failed", "error", err, "observation_id", candidate.ID)
			continue
		}
		if !ok || sim < o.dedup.DedupThreshold {
			continue
		}

		older, newer := nearest, candidate
		if newer.CreatedAt.Before(older.CreatedAt) {
			older, newer = newer, older
		}

		if _, err := o.store.MergeIntoExisting(ctx, older.ID, newer); err != nil {
			slog.Warn("observation: dedup sweep merge failed", "error", err, "into", older.ID, "from", newer.ID)
			continue
		}
		if err := o.store.DeleteObservation(ctx, newer.ID); err != nil {
			slog.Warn("observation: dedup sweep failed to remove merged duplicate", "error", err, "id", newer.ID)
		}
		merged++
	}
	return merged, nil
}

const compressionSchemaHint = `{"action":"CREATE|UPDATE|SKIP","target_id":"uuid, only for UPDATE","observation":{"title":"string","narrative":"string","facts":["string"],"keywords":["string"],"observation_type":"code|decision|discovery|error|pattern|reference|session|other","noise_level":"low|medium|high","noise_reason":"string, optional","files_read":["string"],"files_modified":["string"],"concepts":["string"]}}`

type compressionDecision struct {
	Action      string `json:"action"`
	TargetID    string `json:"target_id"`
	Observation struct {
		Title           string   `json:"title"`
		Narrative       string   `json:"narrative"`
		Facts           []string `json:"facts"`
		Keywords        []string `json:"keywords"`
		ObservationType string   `json:"observation_type"`
		NoiseLevel      string   `json:"noise_level"`
		NoiseReason     string   `json:"noise_reason"`
		FilesRead       []string `json:"files_read"`
		FilesModified   []string `json:"files_modified"`
		Concepts        []string `json:"concepts"`
	} `json:"observation"`
}

// ProcessInteraction runs the full pipeline for one tool interaction. A nil
// *model.Observation with a nil error means the pipeline completed without
// anything to persist (SKIP); errs.ErrFilteredOut means a pre-filter stage
// dropped the interaction before compression was attempted.
func (o *Orchestrator) ProcessInteraction(ctx context.Context, t ToolInteraction) (*model.Observation, error) {
	stripped, dropped := o.filter.FilterInjectedMemory(t.ToolResponse)
	if dropped {
		return nil, errs.ErrFilteredOut
	}

	var filteredPayload json.RawMessage
	if len(t.RawPayload) > 0 {
		filteredPayload = o.filter.FilterPrivateContent(t.RawPayload)
	}

	if lv := o.filter.LowValueFilter(stripped); lv.Dropped {
		slog.Info("observation: dropped low-value interaction", "reason", lv.Reason, "session", t.SessionID)
		o.storeRawEventBestEffort(ctx, t, filteredPayload)
		return nil, errs.ErrFilteredOut
	}

	candidates, err := o.search.CandidatesForCompression(ctx, o.store, stripped, t.SessionID)
	if err != nil {
		return nil, fmt.Errorf("observation: candidate retrieval: %w", err)
	}

	decision, err := o.compress(ctx, stripped, candidates)
	if err != nil {
		return nil, fmt.Errorf("observation: compression: %w", err)
	}

	switch strings.ToUpper(decision.Action) {
	case "SKIP":
		slog.Debug("observation: LLM decided SKIP", "session", t.SessionID)
		o.storeRawEventBestEffort(ctx, t, filteredPayload)
		return nil, nil

	case "UPDATE":
		targetID, parseErr := uuid.Parse(decision.TargetID)
		if parseErr != nil || !inCandidateSet(candidates, targetID) {
			slog.Warn("observation: UPDATE target missing from candidate set, downgrading to CREATE", "target_id", decision.TargetID)
			return o.createAndPersist(ctx, t, decision, filteredPayload)
		}
		return o.updateAndPersist(ctx, t, targetID, decision, filteredPayload)

	default: // CREATE, and any unrecognized action defaults to CREATE
		return o.createAndPersist(ctx, t, decision, filteredPayload)
	}
}

// SaveMemory implements the save-memory direct path (spec §4.5 step 8):
// bypasses LLM compression but still runs the full filter chain and still
// reaches Infinite Memory.
func (o *Orchestrator) SaveMemory(ctx context.Context, title, body string, sessionID uuid.UUID) (*model.Observation, error) {
	stripped, dropped := o.filter.FilterInjectedMemory(body)
	if dropped {
		return nil, errs.ErrFilteredOut
	}
	redact := func(s string) string {
		quoted, _ := json.Marshal(s)
		var out string
		_ = json.Unmarshal(o.filter.FilterPrivateContent(quoted), &out)
		return out
	}
	title, stripped = redact(title), redact(stripped)
	if lv := o.filter.LowValueFilter(stripped); lv.Dropped {
		return nil, errs.ErrFilteredOut
	}

	draft := &model.Observation{
		Title:           title,
		Narrative:       stripped,
		ObservationType: model.ObservationReference,
		NoiseLevel:      model.DefaultNoiseLevel,
		SessionID:       sessionID,
	}

	persisted, err := o.persist(ctx, draft)
	if err != nil {
		return nil, err
	}

	o.postActions(ctx, persisted, json.RawMessage(fmt.Sprintf(`{"title":%q,"body":%q}`, title, body)), ToolInteraction{SessionID: sessionID})
	return persisted, nil
}

// compress builds the compression prompt and calls the LLM Gateway.
func (o *Orchestrator) compress(ctx context.Context, text string, candidates []*model.Observation) (*compressionDecision, error) {
	var sb strings.Builder
	sb.WriteString("New tool interaction:\n")
	sb.WriteString(text)
	sb.WriteString("\n\nCandidate existing observations (for UPDATE targeting):\n")
	for _, c := range candidates {
		sb.WriteString(fmt.Sprintf("- id=%s title=%q narrative=%q\n", c.ID, c.Title, c.Narrative))
	}

	messages := []llmgateway.Message{
		{Role: "system", Content: "You compress tool interactions into durable observations. Decide CREATE, UPDATE, or SKIP."},
		{Role: "user", Content: sb.String()},
	}

	raw, err := o.llm.ChatCompletion(ctx, messages, compressionSchemaHint)
	if err != nil {
		return nil, err
	}

	var decision compressionDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, errs.NewPermanent("observation.compress", fmt.Errorf("unmarshal decision: %w", err))
	}
	return &decision, nil
}

// createAndPersist handles the CREATE branch (spec §4.5 step 4) through
// persist: an echo of injected memory is dropped with errs.ErrFilteredOut,
// and a draft at or above the dedup threshold or with a colliding title is
// merged into the existing observation instead of inserted.
func (o *Orchestrator) createAndPersist(ctx context.Context, t ToolInteraction, decision *compressionDecision, filteredPayload json.RawMessage) (*model.Observation, error) {
	draft := decisionToObservation(decision, t)

	persisted, err := o.persist(ctx, draft)
	if err != nil {
		return nil, err
	}

	o.postActions(ctx, persisted, filteredPayload, t)
	return persisted, nil
}

// updateAndPersist handles the UPDATE(target_id) branch (spec §4.5 step 4):
// merges the decision into the target with store.MergeIntoExisting (the same
// union merge used on title collisions) and re-embeds. The target's content
// fields are not replaced wholesale.
func (o *Orchestrator) updateAndPersist(ctx context.Context, t ToolInteraction, targetID uuid.UUID, decision *compressionDecision, filteredPayload json.RawMessage) (*model.Observation, error) {
	draft := decisionToObservation(decision, t)

	merged, err := o.store.MergeIntoExisting(ctx, targetID, draft)
	if err != nil {
		return nil, fmt.Errorf("observation: update: %w", err)
	}

	o.embedAndStore(ctx, merged)
	o.postActions(ctx, merged, filteredPayload, t)
	return merged, nil
}

// persist runs the embed → echo-check → dedup-check → save-or-merge
// sequence shared by createAndPersist and SaveMemory.
func (o *Orchestrator) persist(ctx context.Context, draft *model.Observation) (*model.Observation, error) {
	vec, embedErr := o.embedder.Embed(ctx, embedText(draft))

	if embedErr == nil {
		if o.isEcho(ctx, draft.SessionID, vec) {
			slog.Info("observation: dropped as echo of injected memory", "session", draft.SessionID)
			return nil, errs.ErrFilteredOut
		}

		nearest, sim, ok, err := o.search.NearestObservation(ctx, o.store, vec, uuid.Nil)
		if err != nil {
			slog.Warn("observation: nearest-neighbor dedup check failed, proceeding without it", "error", err)
		} else if ok && sim >= o.dedup.DedupThreshold {
			merged, err := o.store.MergeIntoExisting(ctx, nearest.ID, draft)
			if err != nil {
				return nil, fmt.Errorf("observation: vector-similarity merge: %w", err)
			}
			o.embedAndStore(ctx, merged)
			return merged, nil
		}
	} else if embedErr != errs.ErrEmbeddingDisabled {
		slog.Warn("observation: embedding failed, persisting without echo/dedup checks", "error", embedErr)
	}

	stored, err := o.store.SaveObservation(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("observation: save: %w", err)
	}
	if !stored {
		existing, err := o.store.GetByTitle(ctx, draft.Title)
		if err != nil {
			return nil, fmt.Errorf("observation: resolve title collision: %w", err)
		}
		merged, err := o.store.MergeIntoExisting(ctx, existing.ID, draft)
		if err != nil {
			return nil, fmt.Errorf("observation: title-collision merge: %w", err)
		}
		o.embedAndStore(ctx, merged)
		return merged, nil
	}

	if embedErr == nil {
		if storeErr := o.store.StoreEmbedding(ctx, draft.ID, vec); storeErr != nil {
			slog.Warn("observation: storing embedding failed", "error", storeErr)
		}
	}
	return draft, nil
}

// isEcho compares vec against every embedding injected into sessionID
// within the tracker's bound (spec §4.5 "Echo suppression").
func (o *Orchestrator) isEcho(ctx context.Context, sessionID uuid.UUID, vec []float32) bool {
	ids := o.injected.Recent(sessionID)
	if len(ids) == 0 {
		return false
	}

	embeddings, err := o.store.GetEmbeddingsForIDs(ctx, ids)
	if err != nil {
		slog.Warn("observation: echo-suppression lookup failed, skipping check", "error", err)
		return false
	}

	for _, e := range embeddings {
		if cosineSimilarity(vec, e.Vector[:]) >= o.dedup.InjectionDedupThreshold {
			return true
		}
	}
	return false
}

// embedAndStore re-embeds a merged observation's content, matching spec
// §4.5 step 7 ("Compute embedding on the merged text").
func (o *Orchestrator) embedAndStore(ctx context.Context, o2 *model.Observation) {
	vec, err := o.embedder.Embed(ctx, embedText(o2))
	if err != nil {
		if err != errs.ErrEmbeddingDisabled {
			slog.Warn("observation: re-embedding merged observation failed", "error", err)
		}
		return
	}
	if err := o.store.StoreEmbedding(ctx, o2.ID, vec); err != nil {
		slog.Warn("observation: storing merged embedding failed", "error", err)
	}
}

// postActions launches extract_knowledge and store_infinite_memory as
// fire-and-forget goroutines — spec §4.6's "Concurrency" note requires the
// leased main path not block on LLM/storage latency for these side effects,
// so this deliberately does not join the goroutines before returning.
// Failures log at warn and never propagate; ctx is detached from the
// caller's so an HTTP/queue-lease cancellation can't cut a side effect short.
func (o *Orchestrator) postActions(ctx context.Context, persisted *model.Observation, filteredPayload json.RawMessage, t ToolInteraction) {
	bg := context.WithoutCancel(ctx)

	if o.knowledge != nil {
		go func() {
			if err := o.knowledge.ExtractKnowledge(bg, persisted); err != nil {
				slog.Warn("observation: extract_knowledge failed", "error", err, "observation_id", persisted.ID)
			}
		}()
	}

	go o.storeRawEventBestEffort(bg, t, filteredPayload)

	if o.events != nil {
		go func() {
			if err := o.events.PublishObservationCreated(bg, persisted); err != nil {
				slog.Warn("observation: publish observation.created failed", "error", err, "observation_id", persisted.ID)
			}
		}()
	}
}

func (o *Orchestrator) storeRawEventBestEffort(ctx context.Context, t ToolInteraction, payload json.RawMessage) {
	if o.infiniteMemory == nil {
		return
	}
	evt := model.RawEvent{
		SessionID: t.SessionID,
		Project:   t.Project,
		EventType: model.RawEventToolResult,
		Content:   payload,
		Tools:     []string{t.ToolName},
	}
	if err := o.infiniteMemory.StoreRawEvent(ctx, evt); err != nil {
		slog.Warn("observation: store_infinite_memory failed", "error", err)
	}
}

// decisionToObservation converts the LLM Gateway's compression decision into
// an unsaved Observation. An observation_type outside the enumeration is
// passed through unchanged rather than coerced to a valid member: the save
// path's model.ValidateObservation is the single place that enum is
// enforced, so an unrecognized value is logged here and then rejected there,
// never silently substituted.
func decisionToObservation(d *compressionDecision, t ToolInteraction) *model.Observation {
	obsType := model.ObservationType(d.Observation.ObservationType)
	if !obsType.Valid() {
		slog.Warn("observation: llm returned unknown observation_type, will be rejected at save", "observation_type", d.Observation.ObservationType)
	}
	noise := model.NoiseLevel(d.Observation.NoiseLevel)
	if noise == "" {
		noise = model.DefaultNoiseLevel
	}
	return &model.Observation{
		Title:           d.Observation.Title,
		Narrative:       d.Observation.Narrative,
		Facts:           d.Observation.Facts,
		Keywords:        d.Observation.Keywords,
		ObservationType: obsType,
		NoiseLevel:      noise,
		NoiseReason:     d.Observation.NoiseReason,
		FilesRead:       d.Observation.FilesRead,
		FilesModified:   d.Observation.FilesModified,
		Concepts:        d.Observation.Concepts,
		SessionID:       t.SessionID,
		PromptNumber:    t.PromptNumber,
	}
}

func embedText(o *model.Observation) string {
	return o.Title + "\n" + o.Narrative + "\n" + strings.Join(o.Facts, "\n")
}

func inCandidateSet(candidates []*model.Observation, id uuid.UUID) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
