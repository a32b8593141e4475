package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"strconv"
	"sync"
	"testing"
	"time"

	"dispatch-relay-service/internal/models"
)

type fakeClient struct {
	mu     sync.Mutex
	frames []any
}

func (c *fakeClient) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeClient) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.frames))
	copy(out, c.frames)
	return out
}

type fakeUpstream struct {
	mu         sync.Mutex
	handler    UpstreamHandler
	configured []models.UpstreamSessionConfig
	appended   [][]byte
	commits    int
	responses  int
	injected   []string
	closed     bool
}

func (u *fakeUpstream) Connect(handler UpstreamHandler) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = handler
	return nil
}

func (u *fakeUpstream) Configure(cfg models.UpstreamSessionConfig) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.configured = append(u.configured, cfg)
	return nil
}

func (u *fakeUpstream) AppendAudio(frame []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.appended = append(u.appended, frame)
	return nil
}

func (u *fakeUpstream) CommitAudio() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commits++
	return nil
}

func (u *fakeUpstream) CreateResponse() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses++
	return nil
}

func (u *fakeUpstream) InjectText(text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.injected = append(u.injected, text)
	return nil
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *fakeUpstream) commitCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commits
}

func (u *fakeUpstream) responseCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.responses
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.TimelineEvent
}

func (s *fakeSink) PostEvent(incidentID string, ev models.TimelineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) byType(eventType string) []models.TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TimelineEvent
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeVision struct {
	mu       sync.Mutex
	analysis string
	calls    int
}

func (v *fakeVision) Analyze(_ context.Context, _, _ string, _ []models.HistoryTurn) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.analysis, nil
}

func sessionTestConfig() Config {
	cfg := DefaultConfig()
	// Short debounces keep tests fast; a long flush delay keeps the commit
	// timer out of tests that do not exercise it.
	cfg.ResponseDebounce = 5 * time.Millisecond
	cfg.AgentTriggerDebounce = 20 * time.Millisecond
	cfg.SpeakingGrace = 10 * time.Millisecond
	cfg.FlushDelay = time.Hour
	return cfg
}

type sessionFixture struct {
	session  *Session
	client   *fakeClient
	upstream *fakeUpstream
	sink     *fakeSink
}

func newSessionFixture(t *testing.T, mutate func(*Config)) *sessionFixture {
	t.Helper()
	cfg := sessionTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &sessionFixture{
		client:   &fakeClient{},
		upstream: &fakeUpstream{},
		sink:     &fakeSink{},
	}
	f.session = NewSession(Deps{
		IncidentID: "incident-7",
		Client:     f.client,
		Upstream:   f.upstream,
		Sink:       f.sink,
		Config:     cfg,
	})
	return f
}

func (f *sessionFixture) hello(t *testing.T, sampleRate int) {
	t.Helper()
	err := f.session.HandleControlFrame([]byte(`{"type":"client_hello","sample_rate":` + strconv.Itoa(sampleRate) + `}`))
	if err != nil {
		t.Fatalf("client_hello: %v", err)
	}
}

func (f *sessionFixture) stream(t *testing.T, sampleRate int) {
	t.Helper()
	f.hello(t, sampleRate)
	f.session.OnUpstreamReady()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnStateTerminal(t *testing.T) {
	tests := []struct {
		state    connState
		name     string
		terminal bool
	}{
		{StateAwaitingHello, "awaiting_hello", false},
		{StateConnectingUpstream, "connecting_upstream", false},
		{StateStreaming, "streaming", false},
		{StateClosing, "closing", true},
		{StateClosed, "closed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestSessionHelloConnectsUpstream(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.hello(t, 24000)
	if f.session.State() != StateConnectingUpstream {
		t.Errorf("state = %s, want connecting_upstream", f.session.State())
	}

	// Duplicate hello is ignored, not an error.
	f.hello(t, 16000)
	if f.session.sampleRate != 24000 {
		t.Errorf("sampleRate = %d, duplicate hello should not apply", f.session.sampleRate)
	}
}

func TestSessionRejectsMalformedControlFrames(t *testing.T) {
	f := newSessionFixture(t, nil)

	tests := []struct {
		name string
		data string
	}{
		{"not json", "pcm garbage"},
		{"missing type", `{"sample_rate":24000}`},
		{"unknown type", `{"type":"resume"}`},
		{"rate too low", `{"type":"client_hello","sample_rate":4000}`},
		{"rate too high", `{"type":"client_hello","sample_rate":96000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.session.HandleControlFrame([]byte(tt.data)); err == nil {
				t.Error("expected protocol error")
			}
		})
	}
}

func TestSessionBuffersAudioUntilUpstreamReady(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.hello(t, 24000)

	early := bytes.Repeat([]byte{7}, 400)
	f.session.HandleAudioFrame(early)
	if len(f.upstream.appended) != 0 {
		t.Fatal("audio must not reach upstream before ready")
	}

	f.session.OnUpstreamReady()
	if f.session.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", f.session.State())
	}
	if len(f.upstream.configured) != 1 {
		t.Fatalf("configured %d times, want 1", len(f.upstream.configured))
	}
	if got := f.upstream.configured[0]; got.InputAudioFormat != "pcm16" || got.TurnDetection == nil {
		t.Errorf("unexpected session config: %+v", got)
	}
	if len(f.upstream.appended) != 1 || !bytes.Equal(f.upstream.appended[0], early) {
		t.Error("buffered audio not flushed upstream on ready")
	}
}

func TestSessionCommitsAtThreshold(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	// 32 frames of 300 bytes cross the 9600-byte commit threshold.
	for i := 0; i < 32; i++ {
		f.session.HandleAudioFrame(make([]byte, 300))
	}
	if f.upstream.commitCount() != 1 {
		t.Fatalf("commits = %d, want 1", f.upstream.commitCount())
	}

	waitFor(t, func() bool { return f.upstream.responseCount() == 1 },
		"debounced response.create did not fire")
}

func TestSessionResponseRequestsAreDeduplicated(t *testing.T) {
	f := newSessionFixture(t, func(cfg *Config) {
		cfg.ResponseDebounce = 30 * time.Millisecond
	})
	f.stream(t, 24000)

	// Two threshold crossings inside one debounce window yield one
	// response.create.
	for i := 0; i < 64; i++ {
		f.session.HandleAudioFrame(make([]byte, 300))
	}
	if f.upstream.commitCount() != 2 {
		t.Fatalf("commits = %d, want 2", f.upstream.commitCount())
	}

	waitFor(t, func() bool { return f.upstream.responseCount() == 1 },
		"response.create did not fire")
	time.Sleep(50 * time.Millisecond)
	if f.upstream.responseCount() != 1 {
		t.Errorf("responses = %d, want 1", f.upstream.responseCount())
	}
}

func TestSessionResponseDoneKeepsScheduledCreate(t *testing.T) {
	f := newSessionFixture(t, func(cfg *Config) {
		cfg.ResponseDebounce = 50 * time.Millisecond
	})
	f.stream(t, 24000)

	// Cross the commit threshold so a debounced response.create is armed.
	for i := 0; i < 32; i++ {
		f.session.HandleAudioFrame(make([]byte, 300))
	}
	if f.upstream.commitCount() != 1 {
		t.Fatalf("commits = %d, want 1", f.upstream.commitCount())
	}

	// A server-VAD turn completes before the debounce fires. The committed
	// audio still needs its response, so the scheduled create must survive.
	f.session.OnUpstreamEvent(models.UpstreamEvent{Type: models.UpstreamEventResponseDone})

	waitFor(t, func() bool { return f.upstream.responseCount() == 1 },
		"response.create scheduled before response.done was never sent")
}

func TestSessionAcceptedTranscriptFlow(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventInputTranscriptDone,
		Transcript: "there is a fire on the second floor",
	})

	captions := f.sink.byType(models.EventLiveCaptionFinal)
	if len(captions) != 1 {
		t.Fatalf("live_caption_final events = %d, want 1", len(captions))
	}
	if captions[0].Actor != models.ActorCaller {
		t.Errorf("caption actor = %q, want %q", captions[0].Actor, models.ActorCaller)
	}
	if captions[0].Payload["text"] != "there is a fire on the second floor" {
		t.Errorf("caption text = %v", captions[0].Payload["text"])
	}

	waitFor(t, func() bool { return len(f.sink.byType(models.EventRunAgent)) == 1 },
		"debounced run_agent did not fire")
	trigger := f.sink.byType(models.EventRunAgent)[0]
	if trigger.Actor != models.ActorGateway {
		t.Errorf("trigger actor = %q, want %q", trigger.Actor, models.ActorGateway)
	}
	if trigger.Payload["reason"] != "user_spoke" {
		t.Errorf("trigger reason = %v", trigger.Payload["reason"])
	}
	if trigger.Payload["transcript"] != "there is a fire on the second floor" {
		t.Errorf("trigger transcript = %v", trigger.Payload["transcript"])
	}
}

func TestSessionAgentTriggerDebounceCollapses(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventInputTranscriptDone,
		Transcript: "hello can you hear me",
	})
	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventInputTranscriptDone,
		Transcript: "my husband collapsed",
	})

	waitFor(t, func() bool { return len(f.sink.byType(models.EventRunAgent)) >= 1 },
		"run_agent did not fire")
	time.Sleep(40 * time.Millisecond)

	triggers := f.sink.byType(models.EventRunAgent)
	if len(triggers) != 1 {
		t.Fatalf("run_agent events = %d, want 1", len(triggers))
	}
	if triggers[0].Payload["transcript"] != "my husband collapsed" {
		t.Errorf("trigger carries %v, want the latest transcript", triggers[0].Payload["transcript"])
	}
}

func TestSessionRejectsNoiseTranscript(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventInputTranscriptDone,
		Transcript: "ok",
	})

	if got := len(f.sink.byType(models.EventLiveCaptionFinal)); got != 0 {
		t.Errorf("live_caption_final events = %d, want 0 for noise", got)
	}
}

func TestSessionRejectsEchoOfAgentSpeech(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventAudioTranscriptDone,
		Transcript: "What is your exact location?",
	})
	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:  models.UpstreamEventAudioDelta,
		Delta: base64.StdEncoding.EncodeToString(make([]byte, 480)),
	})
	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventInputTranscriptDone,
		Transcript: "what is your exact location",
	})

	if got := len(f.sink.byType(models.EventLiveCaptionFinal)); got != 0 {
		t.Errorf("echoed transcript produced %d captions, want 0", got)
	}
}

func TestSessionStreamsAndConsolidatesResponseAudio(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	deltas := [][]byte{
		bytes.Repeat([]byte{1}, 4800),
		bytes.Repeat([]byte{2}, 4800),
	}
	for _, d := range deltas {
		f.session.OnUpstreamEvent(models.UpstreamEvent{
			Type:  models.UpstreamEventAudioDelta,
			Delta: base64.StdEncoding.EncodeToString(d),
		})
	}
	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:       models.UpstreamEventAudioTranscriptDone,
		Transcript: "Help is on the way.",
	})
	f.session.OnUpstreamEvent(models.UpstreamEvent{Type: models.UpstreamEventResponseDone})

	frames := f.client.sent()
	if len(frames) != 3 {
		t.Fatalf("client frames = %d, want 2 chunks + 1 ready", len(frames))
	}

	chunk, ok := frames[0].(models.AssistantAudioChunk)
	if !ok {
		t.Fatalf("frame 0 is %T", frames[0])
	}
	if chunk.Ref == "" || chunk.SampleRate != 24000 {
		t.Errorf("chunk = %+v", chunk)
	}

	ready, ok := frames[2].(models.AssistantAudioReady)
	if !ok {
		t.Fatalf("frame 2 is %T", frames[2])
	}
	if ready.Ref != chunk.Ref {
		t.Error("ready ref does not match the streamed chunks")
	}
	wantAudio := append(append([]byte{}, deltas[0]...), deltas[1]...)
	gotAudio, err := base64.StdEncoding.DecodeString(ready.Audio)
	if err != nil {
		t.Fatalf("ready audio decode: %v", err)
	}
	if !bytes.Equal(gotAudio, wantAudio) {
		t.Error("consolidated audio != concatenation of streamed chunks")
	}

	messages := f.sink.byType(models.EventAgentMessage)
	if len(messages) != 1 {
		t.Fatalf("agent_message events = %d, want 1", len(messages))
	}
	if messages[0].Payload["text"] != "Help is on the way." {
		t.Errorf("agent message text = %v", messages[0].Payload["text"])
	}
	if messages[0].Payload["hasAudio"] != true {
		t.Error("agent message should report audio")
	}
	// 9600 bytes at 24kHz 16-bit mono is 200ms.
	if messages[0].Payload["durationMs"] != int64(200) {
		t.Errorf("durationMs = %v, want 200", messages[0].Payload["durationMs"])
	}

	states := f.sink.byType(models.EventAgentState)
	if len(states) != 2 {
		t.Fatalf("agent_state events = %d, want speaking then idle", len(states))
	}
	if states[0].Payload["state"] != models.AgentStateSpeaking || states[1].Payload["state"] != models.AgentStateIdle {
		t.Errorf("agent states = %v, %v", states[0].Payload["state"], states[1].Payload["state"])
	}
}

func TestSessionFinalCommitOnClose(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	// 5000 pending bytes is above the 4800 flush threshold.
	f.session.HandleAudioFrame(make([]byte, 5000))
	if f.upstream.commitCount() != 0 {
		t.Fatal("no commit expected below the commit threshold")
	}

	f.session.HandleClientClosed()

	if f.upstream.commitCount() != 1 {
		t.Errorf("commits on close = %d, want 1", f.upstream.commitCount())
	}
	if f.upstream.responseCount() != 1 {
		t.Errorf("responses on close = %d, want 1", f.upstream.responseCount())
	}
	if !f.upstream.closed {
		t.Error("upstream not closed")
	}
	if f.session.State() != StateClosed {
		t.Errorf("state = %s, want closed", f.session.State())
	}
}

func TestSessionNoFinalCommitForShortTail(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.HandleAudioFrame(make([]byte, 1000))
	f.session.HandleClientClosed()

	if f.upstream.commitCount() != 0 {
		t.Errorf("commits on close = %d, want 0 for a short tail", f.upstream.commitCount())
	}
}

func TestSessionUpstreamErrorTearsDown(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.OnUpstreamEvent(models.UpstreamEvent{
		Type:  models.UpstreamEventError,
		Error: &models.UpstreamError{Message: "rate limited"},
	})

	if f.session.State() != StateClosed {
		t.Errorf("state = %s, want closed", f.session.State())
	}
	if !f.upstream.closed {
		t.Error("upstream link should be closed")
	}

	// Further audio is ignored after teardown.
	f.session.HandleAudioFrame(make([]byte, 5000))
	if len(f.upstream.appended) != 0 {
		t.Error("audio forwarded after teardown")
	}
}

func TestSessionTeardownIsIdempotent(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.stream(t, 24000)

	f.session.HandleClientClosed()
	f.session.HandleClientClosed()
	f.session.OnUpstreamClosed(nil)

	if f.session.State() != StateClosed {
		t.Errorf("state = %s, want closed", f.session.State())
	}
}

func TestSessionImageUploadFlow(t *testing.T) {
	vision := &fakeVision{analysis: "Deep laceration on the left forearm, active bleeding."}
	cfg := sessionTestConfig()
	f := &sessionFixture{
		client:   &fakeClient{},
		upstream: &fakeUpstream{},
		sink:     &fakeSink{},
	}
	f.session = NewSession(Deps{
		IncidentID: "incident-7",
		Client:     f.client,
		Upstream:   f.upstream,
		Sink:       f.sink,
		Vision:     vision,
		Config:     cfg,
	})
	f.stream(t, 24000)

	err := f.session.HandleControlFrame([]byte(`{"type":"image_upload","imageData":"aGVsbG8=","mimeType":"image/jpeg","imageUrl":"https://cdn.example/wound.jpg"}`))
	if err != nil {
		t.Fatalf("image_upload: %v", err)
	}

	uploads := f.sink.byType(models.EventImageUploaded)
	if len(uploads) != 1 {
		t.Fatalf("image_uploaded events = %d, want 1", len(uploads))
	}
	if uploads[0].Actor != models.ActorCaller {
		t.Errorf("upload actor = %q, want %q", uploads[0].Actor, models.ActorCaller)
	}

	waitFor(t, func() bool { return len(f.sink.byType(models.EventImageAnalyzed)) == 1 },
		"image_analyzed did not arrive")
	analyzed := f.sink.byType(models.EventImageAnalyzed)[0]
	if analyzed.Actor != models.ActorSystem {
		t.Errorf("analysis actor = %q, want %q", analyzed.Actor, models.ActorSystem)
	}

	waitFor(t, func() bool {
		f.upstream.mu.Lock()
		defer f.upstream.mu.Unlock()
		return len(f.upstream.injected) == 1
	}, "analysis not injected upstream")

	f.upstream.mu.Lock()
	injected := f.upstream.injected[0]
	f.upstream.mu.Unlock()
	if !bytes.Contains([]byte(injected), []byte(vision.analysis)) {
		t.Errorf("injected text %q lacks the analysis", injected)
	}

	waitFor(t, func() bool { return f.upstream.responseCount() == 1 },
		"no response requested after image analysis")
}
