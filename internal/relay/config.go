package relay

import "time"

// dispatcherInstructions is the fixed system prompt sent upstream when the
// session is configured.
const dispatcherInstructions = `You are an emergency response AI dispatcher. Act like a professional human operator.

Core behavior:
- Be calm, concise, and direct.
- Ask minimal, relevant questions to gather location and emergency type.
- Do NOT use robotic filler phrases like "I understand", "I hear you", or "I see". Just ask the question or give the instruction.
- If the user is safe, pleasantly end the call.
- If there is an emergency, focus on getting help to them.

Image analysis:
- Use provided image details to inform your assessment naturally. Don't announce "I see the image".`

// Config holds per-session relay policy.
type Config struct {
	DefaultSampleRate int // caller input rate before client_hello arrives
	OutputSampleRate  int // upstream synthesizes at this rate regardless of input
	MinFrameBytes     int // smaller inbound frames are control-channel noise
	PreBufferMaxBytes int // pre-upstream buffer cap, drop-newest beyond it

	CommitWindow         time.Duration // audio worth of a full commit (~200ms)
	FlushWindow          time.Duration // minimum audio worth committing on timer (~100ms)
	FlushDelay           time.Duration // flush-timer delay after a quiet append
	ResponseDebounce     time.Duration // coalesces back-to-back response requests
	AgentTriggerDebounce time.Duration // collects multiple utterances into one trigger
	SpeakingGrace        time.Duration // playback tail after response completion
	EchoGrace            time.Duration // reject-all window while agent speech is live
	EchoRetention        time.Duration // utterance-matching window after speech ends
	EchoRingSize         int

	MaxHistoryTurns int

	Voice        string
	Instructions string
}

// DefaultConfig returns the relay policy with production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultSampleRate:    24000,
		OutputSampleRate:     24000,
		MinFrameBytes:        200,
		PreBufferMaxBytes:    256000,
		CommitWindow:         200 * time.Millisecond,
		FlushWindow:          100 * time.Millisecond,
		FlushDelay:           250 * time.Millisecond,
		ResponseDebounce:     50 * time.Millisecond,
		AgentTriggerDebounce: 3 * time.Second,
		SpeakingGrace:        500 * time.Millisecond,
		EchoGrace:            800 * time.Millisecond,
		EchoRetention:        1500 * time.Millisecond,
		EchoRingSize:         5,
		MaxHistoryTurns:      50,
		Voice:                "alloy",
		Instructions:         dispatcherInstructions,
	}
}
