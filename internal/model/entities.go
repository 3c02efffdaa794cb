package model

import (
	"time"

	"github.com/google/uuid"
)

// Observation is a compressed unit of knowledge derived from one or more tool
// interactions (spec §3).
type Observation struct {
	ID             uuid.UUID
	Title          string
	Narrative      string
	Facts          []string
	Keywords       []string
	ObservationType ObservationType
	NoiseLevel     NoiseLevel
	NoiseReason    string
	FilesRead      []string
	FilesModified  []string
	Concepts       []string

	SessionID       uuid.UUID
	PromptNumber    PromptNumber
	DiscoveryTokens TokenCount

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PromptNumber is a monotonic-within-session counter. Newtype so it can
// never be mixed up with an unrelated int at a call site (spec §3).
type PromptNumber int64

// TokenCount is a cost-accounting newtype distinct from other int64 fields.
type TokenCount int64

// NormalizedTitle returns the form the unique constraint is keyed on:
// lower-cased, trimmed. Storage and in-process dedup checks must agree on
// this exact transform.
func NormalizedTitle(title string) string {
	return normalizeTitle(title)
}

// Session tracks a contiguous agent interaction (spec §3).
type Session struct {
	SessionID        uuid.UUID
	ContentSessionID string
	Project          string
	Status           SessionStatus
	StartedAt        time.Time
	EndedAt          *time.Time
	PromptCount      int64
}

// UserPrompt is a literal user message kept for timeline reconstruction.
type UserPrompt struct {
	ID           uuid.UUID
	SessionID    uuid.UUID
	PromptNumber PromptNumber
	Text         string
	CreatedAt    time.Time
}

// SessionSummary is the structured end-of-session artifact.
type SessionSummary struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Request     string
	Investigated string
	Learned     string
	Completed   string
	NextSteps   string
	CreatedAt   time.Time
}

// Knowledge is a durable fact keyed by title, unique case-insensitively.
type Knowledge struct {
	ID         uuid.UUID
	Title      string
	Kind       KnowledgeKind
	Body       string
	Provenance []uuid.UUID
	UsageCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PendingMessage is one row of the durable work queue (spec §4.6).
type PendingMessage struct {
	ID                 uuid.UUID
	Payload            []byte // structured tool interaction blob, opaque to the queue
	Status             QueueStatus
	VisibilityDeadline *time.Time
	RetryCount         int
	DeadLetter         bool
	ContentHash        [32]byte // SHA-256(tool_name || session_id || tool_response || created_at_epoch)
	CreatedAt          time.Time
}

// Embedding is one dense vector attached to an observation (spec §3).
const EmbeddingDimension = 1024

type Embedding struct {
	ObservationID uuid.UUID
	Vector        [EmbeddingDimension]float32
	UpdatedAt     time.Time
}

// RawEvent is an append-only, never-deleted record kept by infinite memory.
type RawEvent struct {
	ID                   int64
	Timestamp            time.Time
	SessionID             uuid.UUID
	Project               string
	EventType             RawEventType
	Content               []byte
	Files                 []string
	Tools                 []string
	Summary5minID         *int64
	ProcessingStartedAt   *time.Time
	ProcessingInstanceID  string
	RetryCount            int
}

// EntityReferences groups a summary's structured entity extraction
// (spec §3: "entities (structured: files, functions, libraries, errors, decisions)").
type EntityReferences struct {
	Files     []string `json:"files"`
	Functions []string `json:"functions"`
	Libraries []string `json:"libraries"`
	Errors    []string `json:"errors"`
	Decisions []string `json:"decisions"`
}

// Summary5min covers a strict 300-second window for exactly one session.
type Summary5min struct {
	ID                   int64
	TSStart              time.Time
	TSEnd                time.Time
	SessionID            uuid.UUID
	Project              string
	Content              string
	EventCount           int
	Entities             EntityReferences
	SummaryHourID        *int64
	ProcessingStartedAt  *time.Time
	ProcessingInstanceID string
	RetryCount           int
}

// SummaryHour covers a strict 3600-second window for exactly one session.
type SummaryHour struct {
	ID                   int64
	TSStart              time.Time
	TSEnd                time.Time
	SessionID            uuid.UUID
	Project              string
	Content              string
	EventCount           int
	Entities             EntityReferences
	SummaryDayID         *int64
	ProcessingStartedAt  *time.Time
	ProcessingInstanceID string
	RetryCount           int
}

// SummaryDay covers a strict 86400-second window for exactly one session.
type SummaryDay struct {
	ID                   int64
	TSStart              time.Time
	TSEnd                time.Time
	SessionID            uuid.UUID
	Project              string
	Content              string
	EventCount           int
	Entities             EntityReferences
	ProcessingStartedAt  *time.Time
	ProcessingInstanceID string
	RetryCount           int
}

// Window durations for the three aggregation levels (spec §4.7).
const (
	Window5Min = 300 * time.Second
	WindowHour = 3600 * time.Second
	WindowDay  = 86400 * time.Second
)
