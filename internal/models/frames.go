package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client control frame types (inbound text frames on the caller WebSocket).
const (
	FrameClientHello = "client_hello"
	FrameImageUpload = "image_upload"
)

// Caller-facing outbound frame types.
const (
	FrameAssistantAudioChunk = "assistant_audio_chunk"
	FrameAssistantAudioReady = "assistant_audio_ready"
)

// Sample rate bounds accepted from client_hello. Anything outside is a
// protocol error, not a negotiation.
const (
	MinSampleRateHz = 8000
	MaxSampleRateHz = 48000
)

// Errors returned by DecodeControlFrame.
var (
	ErrMalformedFrame      = errors.New("malformed control frame")
	ErrUnknownFrameType    = errors.New("unknown control frame type")
	ErrInvalidSampleRate   = errors.New("client_hello sample_rate out of range")
	ErrMissingImagePayload = errors.New("image_upload requires imageData and mimeType")
)

// ControlFrame is a decoded inbound text frame from the caller.
type ControlFrame struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	ImageData  string `json:"imageData,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

// DecodeControlFrame parses and validates an inbound text frame.
func DecodeControlFrame(data []byte) (ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ControlFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch frame.Type {
	case FrameClientHello:
		if frame.SampleRate < MinSampleRateHz || frame.SampleRate > MaxSampleRateHz {
			return ControlFrame{}, fmt.Errorf("%w: %d", ErrInvalidSampleRate, frame.SampleRate)
		}
	case FrameImageUpload:
		if frame.ImageData == "" || frame.MimeType == "" {
			return ControlFrame{}, ErrMissingImagePayload
		}
	case "":
		return ControlFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return ControlFrame{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type)
	}
	return frame, nil
}

// AssistantAudioChunk is one incremental synthesized-audio delta streamed to
// the caller during response generation.
type AssistantAudioChunk struct {
	Type       string `json:"type"`
	Ref        string `json:"ref"`
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
}

// AssistantAudioReady is the final consolidated clip for one response.
type AssistantAudioReady struct {
	Type       string `json:"type"`
	Ref        string `json:"ref"`
	SampleRate int    `json:"sampleRate"`
	Audio      string `json:"audio"`
}
