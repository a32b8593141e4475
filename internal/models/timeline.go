package models

// TimelineEvent is one structured event appended to the external incident timeline.
type TimelineEvent struct {
	Actor   string         `json:"actor"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Timeline actors.
const (
	ActorCaller  = "emergency"
	ActorAgent   = "agent"
	ActorGateway = "realtime_gateway"
	ActorSystem  = "system"
)

// Timeline event types.
const (
	EventLiveCaptionFinal = "live_caption_final"
	EventAgentState       = "agent_state"
	EventAgentMessage     = "agent_message"
	EventRunAgent         = "run_agent"
	EventImageUploaded    = "image_uploaded"
	EventImageAnalyzed    = "image_analyzed"
)

// Agent states carried by EventAgentState payloads.
const (
	AgentStateSpeaking = "speaking"
	AgentStateIdle     = "idle"
)
