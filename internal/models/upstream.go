package models

// Upstream command types (messages sent on the upstream model link).
const (
	UpstreamSessionUpdate     = "session.update"
	UpstreamAudioAppend       = "input_audio_buffer.append"
	UpstreamAudioCommit       = "input_audio_buffer.commit"
	UpstreamResponseCreate    = "response.create"
	UpstreamConversationItem  = "conversation.item.create"
)

// Upstream event types the relay demultiplexes.
const (
	UpstreamEventSessionCreated      = "session.created"
	UpstreamEventInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
	UpstreamEventAudioTranscriptDone = "response.audio_transcript.done"
	UpstreamEventAudioDelta          = "response.audio.delta"
	UpstreamEventOutputAudioDelta    = "response.output_audio.delta"
	UpstreamEventAudioDone           = "response.audio.done"
	UpstreamEventOutputAudioDone     = "response.output_audio.done"
	UpstreamEventResponseDone        = "response.done"
	UpstreamEventResponseStatus      = "response.status"
	UpstreamEventError               = "error"
)

// UpstreamCommand is the envelope for every message sent upstream.
type UpstreamCommand struct {
	Type    string                 `json:"type"`
	Audio   string                 `json:"audio,omitempty"`
	Session *UpstreamSessionConfig `json:"session,omitempty"`
	Item    *UpstreamItem          `json:"item,omitempty"`
}

// UpstreamSessionConfig is the one-shot session configuration sent when the
// upstream link becomes ready.
type UpstreamSessionConfig struct {
	Modalities        []string       `json:"modalities"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
}

// TurnDetection holds the upstream voice-activity parameters.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// UpstreamItem is a conversation item injected out-of-band (image analysis text).
type UpstreamItem struct {
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []UpstreamContent `json:"content"`
}

// UpstreamContent is one content part of an injected conversation item.
type UpstreamContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UpstreamEvent is a decoded upstream server event. The upstream protocol has
// moved transcript text between fields across revisions, so several aliases
// are decoded and FirstTranscript picks the populated one.
type UpstreamEvent struct {
	Type          string            `json:"type"`
	Transcript    string            `json:"transcript"`
	Text          string            `json:"text"`
	OutputText    string            `json:"output_text"`
	Transcription string            `json:"transcription"`
	Audio         string            `json:"audio"`
	Delta         string            `json:"delta"`
	Status        string            `json:"status"`
	Response      *UpstreamResponse `json:"response,omitempty"`
	Error         *UpstreamError    `json:"error,omitempty"`
}

// UpstreamResponse is the nested response object on response.done events.
type UpstreamResponse struct {
	OutputText string `json:"output_text"`
}

// UpstreamError is the payload of an upstream error event.
type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FirstTranscript returns the first populated transcript alias.
func (e UpstreamEvent) FirstTranscript() string {
	for _, s := range []string{e.Transcript, e.Text, e.OutputText, e.Transcription} {
		if s != "" {
			return s
		}
	}
	return ""
}

// AudioPayload returns the base64 audio delta regardless of which field the
// upstream used.
func (e UpstreamEvent) AudioPayload() string {
	if e.Audio != "" {
		return e.Audio
	}
	return e.Delta
}
