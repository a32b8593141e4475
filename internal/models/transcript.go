// Package models defines the data structures for relay events and wire frames.
package models

// CallerCaption is a finalized caller transcript accepted by the echo guard.
type CallerCaption struct {
	EventType  string `json:"eventType"`
	IncidentID string `json:"incidentId"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
}

// AgentMessage is one consolidated assistant turn (transcript plus optional audio).
type AgentMessage struct {
	EventType  string `json:"eventType"`
	IncidentID string `json:"incidentId"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
	HasAudio   bool   `json:"hasAudio"`
	AudioRef   string `json:"audioRef,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// HistoryTurn is one {role, text} entry of the per-session conversation history.
// The history is only ever used as extra context for one-off image analysis;
// it is never sent verbatim upstream.
type HistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"content"`
}

// History roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
