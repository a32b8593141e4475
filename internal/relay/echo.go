package relay

import (
	"strings"
	"time"
	"unicode"
)

// echoVerdict classifies an inbound caller transcript.
type echoVerdict int

const (
	echoAccepted echoVerdict = iota
	// rejected: the agent is speaking and the grace window has not elapsed
	echoRejectedSpeaking
	// rejected: the text matches a recent synthesized utterance
	echoRejectedEcho
	// rejected: too short or no alphanumeric content
	echoRejectedNoise
)

func (v echoVerdict) String() string {
	switch v {
	case echoAccepted:
		return "accepted"
	case echoRejectedSpeaking:
		return "speaking"
	case echoRejectedEcho:
		return "echo"
	case echoRejectedNoise:
		return "noise"
	default:
		return "unknown"
	}
}

type agentUtterance struct {
	text string // normalized
	at   time.Time
}

// echoGuard prevents the caller's speaker output from being misread as new
// caller speech. State is owned by one session and mutated under its lock.
type echoGuard struct {
	grace     time.Duration // reject-all window while the agent is speaking
	retention time.Duration // how long after speech ends utterance matching still applies
	capacity  int

	speaking   bool
	lastSpeech time.Time
	recent     []agentUtterance

	now func() time.Time
}

func newEchoGuard(grace, retention time.Duration, capacity int) *echoGuard {
	if capacity <= 0 {
		capacity = 5
	}
	return &echoGuard{
		grace:     grace,
		retention: retention,
		capacity:  capacity,
		now:       time.Now,
	}
}

// markSpeaking records synthesized-speech activity and refreshes its
// timestamp. Returns true on the idle-to-speaking transition.
func (g *echoGuard) markSpeaking() bool {
	was := g.speaking
	g.speaking = true
	g.lastSpeech = g.now()
	return !was
}

// clearSpeaking marks the agent idle. Returns true if it was speaking.
func (g *echoGuard) clearSpeaking() bool {
	was := g.speaking
	g.speaking = false
	return was
}

// recordUtterance appends a synthesized transcript to the ring, evicting the
// oldest entry beyond capacity.
func (g *echoGuard) recordUtterance(text string) {
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return
	}
	g.recent = append(g.recent, agentUtterance{text: norm, at: g.now()})
	if len(g.recent) > g.capacity {
		g.recent = g.recent[1:]
	}
}

// evaluate classifies an inbound transcript and returns the cleaned text.
func (g *echoGuard) evaluate(text string) (string, echoVerdict) {
	clean := strings.TrimSpace(text)

	if g.speaking && g.now().Sub(g.lastSpeech) < g.grace {
		return clean, echoRejectedSpeaking
	}

	// Utterance matching only applies while recent synthesized speech could
	// still be audible on the caller side; a transcript arriving well after
	// the agent went quiet is genuine caller speech even if it repeats the
	// agent's words.
	norm := strings.ToLower(clean)
	if norm != "" && g.withinRetention() {
		for _, u := range g.recent {
			if strings.Contains(norm, u.text) || strings.Contains(u.text, norm) {
				return clean, echoRejectedEcho
			}
		}
	}

	if len(clean) <= 2 || !containsAlnum(clean) {
		return clean, echoRejectedNoise
	}
	return clean, echoAccepted
}

func (g *echoGuard) withinRetention() bool {
	if g.speaking {
		return true
	}
	if g.lastSpeech.IsZero() {
		return false
	}
	return g.now().Sub(g.lastSpeech) < g.retention
}

func containsAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
