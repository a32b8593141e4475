package relay

import (
	"math"
	"time"
)

// 16-bit mono PCM.
const bytesPerSample = 2

// ingestResult describes what the session must do with one inbound frame.
type ingestResult struct {
	Forward      bool // append the frame upstream
	Commit       bool // commit threshold crossed: commit and request a response
	Buffered     bool // stored in the pre-upstream buffer
	DroppedShort bool // below the minimum frame size
	DroppedCap   bool // pre-upstream buffer cap exceeded
}

// bufferController converts the continuous inbound byte stream into discrete
// commit decisions, and holds early audio while the upstream link negotiates.
// Not safe for concurrent use; the owning session serializes access.
type bufferController struct {
	minFrameBytes int
	preCapBytes   int
	commitWindow  time.Duration
	flushWindow   time.Duration

	commitThreshold int
	flushThreshold  int
	pendingBytes    int

	pre      [][]byte
	preBytes int
	ready    bool
	flushed  bool
}

func newBufferController(cfg Config) *bufferController {
	b := &bufferController{
		minFrameBytes: cfg.MinFrameBytes,
		preCapBytes:   cfg.PreBufferMaxBytes,
		commitWindow:  cfg.CommitWindow,
		flushWindow:   cfg.FlushWindow,
	}
	b.setSampleRate(cfg.DefaultSampleRate)
	return b
}

// setSampleRate derives the commit/flush thresholds so the policy is
// sample-rate-independent.
func (b *bufferController) setSampleRate(rate int) {
	b.commitThreshold = thresholdBytes(rate, b.commitWindow)
	b.flushThreshold = thresholdBytes(rate, b.flushWindow)
}

func thresholdBytes(rate int, window time.Duration) int {
	return int(math.Ceil(float64(rate) * bytesPerSample * window.Seconds()))
}

// ingest accounts for one inbound frame. When the commit threshold is crossed
// the pending counter resets to zero before the result is returned.
func (b *bufferController) ingest(frame []byte) ingestResult {
	if len(frame) < b.minFrameBytes {
		return ingestResult{DroppedShort: true}
	}

	if !b.ready {
		// Drop-newest beyond the cap: the oldest audio is the most likely to
		// carry the start of the utterance.
		if b.preBytes+len(frame) > b.preCapBytes {
			return ingestResult{DroppedCap: true}
		}
		b.pre = append(b.pre, frame)
		b.preBytes += len(frame)
		return ingestResult{Buffered: true}
	}

	b.pendingBytes += len(frame)
	res := ingestResult{Forward: true}
	if b.pendingBytes >= b.commitThreshold {
		b.pendingBytes = 0
		res.Commit = true
	}
	return res
}

// markReady flips to direct forwarding and returns the buffered chunks, in
// original order, exactly once. Later calls return nil.
func (b *bufferController) markReady() [][]byte {
	b.ready = true
	if b.flushed {
		return nil
	}
	b.flushed = true
	chunks := b.pre
	b.pre = nil
	b.preBytes = 0
	return chunks
}

// flushDue reports whether a flush-timer fire should commit, resetting the
// pending counter when it does.
func (b *bufferController) flushDue() bool {
	if b.pendingBytes >= b.flushThreshold {
		b.pendingBytes = 0
		return true
	}
	return false
}

// finalCommitDue reports whether session close should issue one last commit.
// Anything below the flush threshold is too short to be meaningful.
func (b *bufferController) finalCommitDue() bool {
	return b.flushDue()
}

func (b *bufferController) upstreamReady() bool { return b.ready }
func (b *bufferController) pending() int        { return b.pendingBytes }
func (b *bufferController) preBuffered() int    { return b.preBytes }
