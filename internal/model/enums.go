// Package model defines the durable entities of the observation pipeline and
// infinite-memory subsystem: the shapes Storage persists and Search reads back.
package model

import "fmt"

// ObservationType is the closed enumeration of observation kinds. Unknown
// values are rejected, never silently coerced (spec §3).
type ObservationType string

// Recognized observation types.
const (
	ObservationCode      ObservationType = "code"
	ObservationDecision  ObservationType = "decision"
	ObservationDiscovery ObservationType = "discovery"
	ObservationError     ObservationType = "error"
	ObservationPattern   ObservationType = "pattern"
	ObservationReference ObservationType = "reference"
	ObservationSession   ObservationType = "session"
	ObservationOther     ObservationType = "other"
)

// AllObservationTypes is the single source of truth for the enumeration that
// Valid checks against. internal/mcptools does not read it: its tool names
// and the type its save tool assigns are written out in that package.
var AllObservationTypes = []ObservationType{
	ObservationCode, ObservationDecision, ObservationDiscovery, ObservationError,
	ObservationPattern, ObservationReference, ObservationSession, ObservationOther,
}

// Valid reports whether t is one of the recognized observation types.
func (t ObservationType) Valid() bool {
	for _, v := range AllObservationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// NoiseLevel is the closed enumeration of observation noise levels.
type NoiseLevel string

// Recognized noise levels.
const (
	NoiseLow    NoiseLevel = "low"
	NoiseMedium NoiseLevel = "medium"
	NoiseHigh   NoiseLevel = "high"
)

// DefaultNoiseLevel is used when an observation omits noise_level.
const DefaultNoiseLevel = NoiseMedium

// AllNoiseLevels is the single source of truth for the enumeration.
var AllNoiseLevels = []NoiseLevel{NoiseLow, NoiseMedium, NoiseHigh}

// Valid reports whether n is one of the recognized noise levels.
func (n NoiseLevel) Valid() bool {
	for _, v := range AllNoiseLevels {
		if v == n {
			return true
		}
	}
	return false
}

// SessionStatus tracks a Session's lifecycle (spec §3).
type SessionStatus string

// Recognized session statuses.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// QueueStatus tracks a PendingMessage's lifecycle (spec §4.6).
type QueueStatus string

// Recognized queue statuses.
const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueFailed     QueueStatus = "failed"
)

// KnowledgeKind is the closed enumeration for Knowledge.Kind (spec §3).
type KnowledgeKind string

// Recognized knowledge kinds.
const (
	KnowledgeDecision   KnowledgeKind = "decision"
	KnowledgeFact       KnowledgeKind = "fact"
	KnowledgePattern    KnowledgeKind = "pattern"
	KnowledgePreference KnowledgeKind = "preference"
)

// RawEventType is the closed enumeration for RawEvent.EventType (spec §3).
// An empty value defaults to tool_result. An unknown value is logged and the
// event is skipped: infinitemem's StoreRawEvent does not write it and returns
// a ValidationError.
type RawEventType string

// Recognized raw event types.
const (
	RawEventToolCall     RawEventType = "tool_call"
	RawEventToolResult   RawEventType = "tool_result"
	RawEventUserPrompt   RawEventType = "user_prompt"
	RawEventAssistantMsg RawEventType = "assistant_message"
)

// AllRawEventTypes is the single source of truth for the enumeration.
var AllRawEventTypes = []RawEventType{
	RawEventToolCall, RawEventToolResult, RawEventUserPrompt, RawEventAssistantMsg,
}

// Valid reports whether t is a recognized raw event type.
func (t RawEventType) Valid() bool {
	for _, v := range AllRawEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ErrUnknownEnum is returned (wrapped with the offending value) when an enum
// field carries a value outside its closed set.
func ErrUnknownEnum(field string, value fmt.Stringer) error {
	return fmt.Errorf("unknown %s value: %q", field, value)
}
