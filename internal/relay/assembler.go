package relay

import (
	"time"

	"github.com/google/uuid"
)

// assistantArtifact is the consolidated result of one completed upstream
// response.
type assistantArtifact struct {
	Ref        string
	Audio      []byte
	AudioBytes int
	Transcript string
	Duration   time.Duration
}

// HasAudio reports whether any audio deltas arrived for the response.
func (a assistantArtifact) HasAudio() bool { return a.AudioBytes > 0 }

// responseAssembler accumulates streamed audio deltas and transcript fragments
// for the single in-flight response, then emits one consolidated artifact.
type responseAssembler struct {
	chunks     [][]byte
	transcript string
	ref        string
	totalBytes int

	newRef func() string
}

func newResponseAssembler() *responseAssembler {
	return &responseAssembler{newRef: uuid.NewString}
}

// addAudio appends one delta, minting the correlation ref on the first chunk
// of the response.
func (a *responseAssembler) addAudio(chunk []byte) (ref string, first bool) {
	if a.ref == "" {
		a.ref = a.newRef()
		first = true
	}
	a.chunks = append(a.chunks, chunk)
	a.totalBytes += len(chunk)
	return a.ref, first
}

func (a *responseAssembler) setTranscript(text string) {
	a.transcript = text
}

func (a *responseAssembler) transcriptText() string {
	return a.transcript
}

// finalize produces the consolidated artifact for the in-flight response.
// Duration is derived from the synthesized byte count at the given rate.
func (a *responseAssembler) finalize(sampleRate int) assistantArtifact {
	artifact := assistantArtifact{
		Ref:        a.ref,
		AudioBytes: a.totalBytes,
		Transcript: a.transcript,
	}
	if a.totalBytes > 0 {
		audio := make([]byte, 0, a.totalBytes)
		for _, c := range a.chunks {
			audio = append(audio, c...)
		}
		artifact.Audio = audio
		if sampleRate > 0 {
			seconds := float64(a.totalBytes) / bytesPerSample / float64(sampleRate)
			artifact.Duration = time.Duration(seconds * float64(time.Second))
		}
	}
	return artifact
}

// reset clears state for the next turn.
func (a *responseAssembler) reset() {
	a.chunks = nil
	a.transcript = ""
	a.ref = ""
	a.totalBytes = 0
}
