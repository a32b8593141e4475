// Package relay implements the per-session bridge between a caller's audio
// WebSocket and the upstream realtime speech model.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dispatch-relay-service/internal/models"
	"dispatch-relay-service/internal/observability/logging"
	"dispatch-relay-service/internal/observability/metrics"
)

// ClientSender delivers frames to the caller WebSocket. Implementations must
// be safe for concurrent use.
type ClientSender interface {
	SendJSON(v any) error
}

// EventSink appends events to the external incident timeline. Delivery is
// fire-and-forget; implementations must never block the caller.
type EventSink interface {
	PostEvent(incidentID string, ev models.TimelineEvent)
}

// ArtifactPublisher publishes finalized transcripts and agent messages to the
// artifact bus.
type ArtifactPublisher interface {
	PublishCaption(ctx context.Context, incidentID string, event any) error
	PublishAgentMessage(ctx context.Context, incidentID string, event any) error
}

// ImageAnalyzer describes one-shot image analysis with conversation context.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, imageData, mimeType string, history []models.HistoryTurn) (string, error)
}

// UpstreamLink is the session's view of the upstream model connection.
type UpstreamLink interface {
	Connect(handler UpstreamHandler) error
	Configure(cfg models.UpstreamSessionConfig) error
	AppendAudio(frame []byte) error
	CommitAudio() error
	CreateResponse() error
	InjectText(text string) error
	Close() error
}

// UpstreamHandler receives upstream link callbacks. Session implements it.
type UpstreamHandler interface {
	OnUpstreamReady()
	OnUpstreamEvent(ev models.UpstreamEvent)
	OnUpstreamClosed(err error)
}

// connState tracks the session lifecycle.
type connState int

const (
	// StateAwaitingHello: caller connected, client_hello not yet received.
	StateAwaitingHello connState = iota
	// StateConnectingUpstream: hello received, upstream dial in flight.
	StateConnectingUpstream
	// StateStreaming: upstream ready, audio flows both ways.
	StateStreaming
	// StateClosing: teardown started.
	StateClosing
	// StateClosed: terminal.
	StateClosed
)

func (s connState) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether teardown has begun; a terminal session accepts
// no further frames or events.
func (s connState) IsTerminal() bool { return s == StateClosing || s == StateClosed }

// Deps are the collaborators a session needs. Client and Upstream are
// required; Publisher and Vision may be nil.
type Deps struct {
	IncidentID string
	Client     ClientSender
	Upstream   UpstreamLink
	Sink       EventSink
	Publisher  ArtifactPublisher
	Vision     ImageAnalyzer
	Metrics    *metrics.Metrics
	Config     Config
}

// Session owns the full lifecycle of one caller connection: audio buffering
// and commit policy, upstream event demultiplexing, echo guarding, response
// assembly, and timeline emission. All mutable state is guarded by mu; timer
// and upstream callbacks re-acquire it before touching anything.
type Session struct {
	id         string
	incidentID string
	cfg        Config
	log        zerolog.Logger
	metrics    *metrics.Metrics

	client    ClientSender
	upstream  UpstreamLink
	sink      EventSink
	publisher ArtifactPublisher
	vision    ImageAnalyzer

	mu sync.Mutex

	state      connState
	sampleRate int

	timers   *timerSet
	buffer   *bufferController
	echo     *echoGuard
	response *responseAssembler

	responsePending bool
	history         []models.HistoryTurn

	startedAt time.Time
	now       func() time.Time
}

// NewSession builds a session in StateAwaitingHello.
func NewSession(deps Deps) *Session {
	m := deps.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	id := uuid.NewString()
	s := &Session{
		id:         id,
		incidentID: deps.IncidentID,
		cfg:        deps.Config,
		log:        logging.WithSession(id, deps.IncidentID),
		metrics:    m,
		client:     deps.Client,
		upstream:   deps.Upstream,
		sink:       deps.Sink,
		publisher:  deps.Publisher,
		vision:     deps.Vision,
		state:      StateAwaitingHello,
		sampleRate: deps.Config.DefaultSampleRate,
		timers:     newTimerSet(),
		buffer:     newBufferController(deps.Config),
		echo:       newEchoGuard(deps.Config.EchoGrace, deps.Config.EchoRetention, deps.Config.EchoRingSize),
		response:   newResponseAssembler(),
		now:        time.Now,
	}
	s.startedAt = s.now()
	m.RecordSessionStart()
	s.log.Info().Msg("session started")
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleControlFrame processes one inbound text frame. A returned error is a
// protocol violation; the caller should close the connection.
func (s *Session) HandleControlFrame(data []byte) error {
	frame, err := models.DecodeControlFrame(data)
	if err != nil {
		return err
	}

	switch frame.Type {
	case models.FrameClientHello:
		return s.handleHello(frame)
	case models.FrameImageUpload:
		s.handleImageUpload(frame)
		return nil
	}
	return nil
}

func (s *Session) handleHello(frame models.ControlFrame) error {
	s.mu.Lock()
	if s.state != StateAwaitingHello {
		s.log.Warn().Str("state", s.state.String()).Msg("duplicate client_hello ignored")
		s.mu.Unlock()
		return nil
	}
	s.sampleRate = frame.SampleRate
	s.buffer.setSampleRate(frame.SampleRate)
	s.state = StateConnectingUpstream
	s.mu.Unlock()

	s.log.Info().Int("sampleRate", frame.SampleRate).Msg("client hello, connecting upstream")
	if err := s.upstream.Connect(s); err != nil {
		return fmt.Errorf("upstream connect: %w", err)
	}
	return nil
}

func (s *Session) handleImageUpload(frame models.ControlFrame) {
	s.mu.Lock()
	history := make([]models.HistoryTurn, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	s.sink.PostEvent(s.incidentID, models.TimelineEvent{
		Actor: models.ActorCaller,
		Type:  models.EventImageUploaded,
		Payload: map[string]any{
			"imageUrl": frame.ImageURL,
			"mimeType": frame.MimeType,
		},
	})
	s.log.Info().Str("mimeType", frame.MimeType).Msg("image uploaded")

	go s.analyzeImage(frame.ImageData, frame.MimeType, history)
}

// HandleAudioFrame processes one inbound binary frame of PCM audio.
func (s *Session) HandleAudioFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return
	}
	s.metrics.RecordAudioReceived(len(frame))

	res := s.buffer.ingest(frame)
	switch {
	case res.DroppedShort:
		s.metrics.RecordFrameDiscarded("short")
		return
	case res.DroppedCap:
		s.metrics.RecordFrameDiscarded("pre_buffer_cap")
		s.log.Warn().Int("buffered", s.buffer.preBuffered()).Msg("pre-upstream buffer full, frame dropped")
		return
	case res.Buffered:
		return
	}

	if err := s.upstream.AppendAudio(frame); err != nil {
		s.log.Error().Err(err).Msg("append audio failed")
		s.teardownLocked("upstream append failed", err)
		return
	}

	if res.Commit {
		s.commitLocked("threshold")
	} else {
		s.timers.schedule(timerCommitFlush, s.cfg.FlushDelay, s.onFlushTimer)
	}
}

// commitLocked commits pending upstream audio and requests a response.
// Caller holds mu.
func (s *Session) commitLocked(reason string) {
	if err := s.upstream.CommitAudio(); err != nil {
		s.log.Error().Err(err).Msg("audio commit failed")
		s.teardownLocked("upstream commit failed", err)
		return
	}
	s.metrics.RecordCommit(reason)
	s.timers.cancel(timerCommitFlush)
	s.requestResponseLocked()
}

func (s *Session) onFlushTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return
	}
	if s.buffer.flushDue() {
		s.commitLocked("flush_timer")
	}
}

// requestResponseLocked schedules a debounced response.create, coalescing
// bursts of commits into a single upstream response. Caller holds mu.
func (s *Session) requestResponseLocked() {
	if s.responsePending {
		return
	}
	s.responsePending = true
	s.timers.schedule(timerResponseDebounce, s.cfg.ResponseDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateStreaming {
			return
		}
		if err := s.upstream.CreateResponse(); err != nil {
			s.log.Error().Err(err).Msg("response create failed")
			s.teardownLocked("upstream response create failed", err)
		}
	})
}

// OnUpstreamReady configures the upstream session and flushes any audio
// buffered while the dial was in flight.
func (s *Session) OnUpstreamReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnectingUpstream {
		return
	}
	s.state = StateStreaming

	err := s.upstream.Configure(models.UpstreamSessionConfig{
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &models.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		},
		Voice:        s.cfg.Voice,
		Instructions: s.cfg.Instructions,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("upstream configure failed")
		s.teardownLocked("upstream configure failed", err)
		return
	}

	chunks := s.buffer.markReady()
	if len(chunks) > 0 {
		s.metrics.RecordPreBufferFlush()
		s.log.Info().Int("chunks", len(chunks)).Msg("flushing pre-upstream buffer")
	}
	for _, chunk := range chunks {
		if err := s.upstream.AppendAudio(chunk); err != nil {
			s.log.Error().Err(err).Msg("pre-buffer flush failed")
			s.teardownLocked("upstream append failed", err)
			return
		}
	}
	s.log.Info().Msg("upstream ready, streaming")
}

// OnUpstreamEvent demultiplexes one upstream server event.
func (s *Session) OnUpstreamEvent(ev models.UpstreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return
	}

	switch ev.Type {
	case models.UpstreamEventSessionCreated:
		s.log.Debug().Msg("upstream session created")

	case models.UpstreamEventInputTranscriptDone:
		s.handleCallerTranscriptLocked(ev.FirstTranscript())

	case models.UpstreamEventAudioTranscriptDone:
		text := ev.FirstTranscript()
		s.response.setTranscript(text)
		s.echo.recordUtterance(text)
		s.appendHistoryLocked(models.RoleAssistant, text)

	case models.UpstreamEventAudioDelta, models.UpstreamEventOutputAudioDelta:
		s.handleAudioDeltaLocked(ev.AudioPayload())

	case models.UpstreamEventAudioDone, models.UpstreamEventOutputAudioDone:
		// Consolidation happens on response.done.

	case models.UpstreamEventResponseDone:
		s.handleResponseDoneLocked(ev)

	case models.UpstreamEventResponseStatus:
		s.sink.PostEvent(s.incidentID, models.TimelineEvent{
			Actor:   models.ActorAgent,
			Type:    models.EventAgentState,
			Payload: map[string]any{"state": ev.Status},
		})

	case models.UpstreamEventError:
		msg := "upstream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.log.Error().Str("upstreamError", msg).Msg("upstream reported error")
		s.teardownLocked("upstream error", errors.New(msg))

	default:
		s.log.Debug().Str("type", ev.Type).Msg("unhandled upstream event")
	}
}

func (s *Session) handleCallerTranscriptLocked(text string) {
	clean, verdict := s.echo.evaluate(text)
	if verdict != echoAccepted {
		s.metrics.RecordTranscriptRejected(verdict.String())
		s.log.Debug().Str("reason", verdict.String()).Str("text", clean).Msg("transcript rejected")
		return
	}
	s.metrics.RecordTranscriptAccepted()
	s.appendHistoryLocked(models.RoleUser, clean)

	s.sink.PostEvent(s.incidentID, models.TimelineEvent{
		Actor:   models.ActorCaller,
		Type:    models.EventLiveCaptionFinal,
		Payload: map[string]any{"text": clean},
	})

	if s.publisher != nil {
		caption := models.CallerCaption{
			EventType:  models.EventLiveCaptionFinal,
			IncidentID: s.incidentID,
			Timestamp:  s.now().UnixMilli(),
			Text:       clean,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.publisher.PublishCaption(ctx, s.incidentID, caption); err != nil {
				s.log.Warn().Err(err).Msg("caption publish failed")
			}
		}()
	}

	transcript := clean
	s.timers.schedule(timerAgentTrigger, s.cfg.AgentTriggerDebounce, func() {
		s.fireAgentTrigger(transcript)
	})
}

// fireAgentTrigger emits one debounced run_agent event carrying the most
// recent accepted transcript.
func (s *Session) fireAgentTrigger(transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return
	}
	s.metrics.RecordAgentTrigger()
	s.sink.PostEvent(s.incidentID, models.TimelineEvent{
		Actor: models.ActorGateway,
		Type:  models.EventRunAgent,
		Payload: map[string]any{
			"reason":     "user_spoke",
			"transcript": transcript,
			"timestamp":  s.now().UTC().Format(time.RFC3339),
		},
	})
	s.log.Info().Msg("agent trigger fired")
}

func (s *Session) handleAudioDeltaLocked(payload string) {
	if payload == "" {
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad audio delta encoding")
		return
	}

	ref, _ := s.response.addAudio(chunk)

	s.timers.cancel(timerSpeakingGrace)
	if s.echo.markSpeaking() {
		s.sink.PostEvent(s.incidentID, models.TimelineEvent{
			Actor:   models.ActorAgent,
			Type:    models.EventAgentState,
			Payload: map[string]any{"state": models.AgentStateSpeaking},
		})
	}

	err = s.client.SendJSON(models.AssistantAudioChunk{
		Type:       models.FrameAssistantAudioChunk,
		Ref:        ref,
		Audio:      payload,
		SampleRate: s.cfg.OutputSampleRate,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("audio chunk send failed")
	}
}

func (s *Session) handleResponseDoneLocked(ev models.UpstreamEvent) {
	// Only the pending flag clears here. A debounced create scheduled by an
	// earlier commit stays armed, so audio committed just before a
	// server-initiated turn still gets its response.
	s.responsePending = false

	text := s.response.transcriptText()
	if text == "" && ev.Response != nil {
		text = ev.Response.OutputText
	}

	artifact := s.response.finalize(s.cfg.OutputSampleRate)
	s.response.reset()
	s.metrics.RecordResponseCompleted(artifact.AudioBytes)

	if artifact.HasAudio() {
		err := s.client.SendJSON(models.AssistantAudioReady{
			Type:       models.FrameAssistantAudioReady,
			Ref:        artifact.Ref,
			SampleRate: s.cfg.OutputSampleRate,
			Audio:      base64.StdEncoding.EncodeToString(artifact.Audio),
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("audio ready send failed")
		}
	}

	payload := map[string]any{
		"text":     text,
		"hasAudio": artifact.HasAudio(),
	}
	if artifact.Ref != "" {
		payload["audioRef"] = artifact.Ref
	}
	if artifact.Duration > 0 {
		payload["durationMs"] = artifact.Duration.Milliseconds()
	}
	s.sink.PostEvent(s.incidentID, models.TimelineEvent{
		Actor:   models.ActorAgent,
		Type:    models.EventAgentMessage,
		Payload: payload,
	})
	s.sink.PostEvent(s.incidentID, models.TimelineEvent{
		Actor:   models.ActorAgent,
		Type:    models.EventAgentState,
		Payload: map[string]any{"state": models.AgentStateIdle},
	})

	if s.publisher != nil {
		message := models.AgentMessage{
			EventType:  models.EventAgentMessage,
			IncidentID: s.incidentID,
			Timestamp:  s.now().UnixMilli(),
			Text:       text,
			HasAudio:   artifact.HasAudio(),
			AudioRef:   artifact.Ref,
			DurationMS: artifact.Duration.Milliseconds(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.publisher.PublishAgentMessage(ctx, s.incidentID, message); err != nil {
				s.log.Warn().Err(err).Msg("agent message publish failed")
			}
		}()
	}

	// Hold the speaking flag briefly past response completion so trailing
	// playback on the caller side cannot be misread as caller speech.
	s.timers.schedule(timerSpeakingGrace, s.cfg.SpeakingGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.echo.clearSpeaking()
	})

	s.log.Info().
		Int("audioBytes", artifact.AudioBytes).
		Dur("duration", artifact.Duration).
		Msg("response completed")
}

// analyzeImage runs the vision call off the session lock, then injects the
// analysis into the upstream conversation.
func (s *Session) analyzeImage(imageData, mimeType string, history []models.HistoryTurn) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var analysis string
	if s.vision == nil {
		analysis = "Error analyzing image: analyzer not configured"
		s.metrics.RecordVisionRequest("unconfigured")
	} else if result, err := s.vision.Analyze(ctx, imageData, mimeType, history); err != nil {
		analysis = "Error analyzing image: " + err.Error()
		s.log.Warn().Err(err).Msg("image analysis failed")
	} else {
		analysis = result
	}

	s.sink.PostEvent(s.incidentID, models.TimelineEvent{
		Actor:   models.ActorSystem,
		Type:    models.EventImageAnalyzed,
		Payload: map[string]any{"analysis": analysis},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return
	}
	text := "[Image Analysis] The user has uploaded an image. Analysis: " + analysis
	if err := s.upstream.InjectText(text); err != nil {
		s.log.Warn().Err(err).Msg("analysis inject failed")
		return
	}
	s.requestResponseLocked()
}

// HandleClientClosed tears the session down after the caller disconnects.
func (s *Session) HandleClientClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked("caller disconnected", nil)
}

// OnUpstreamClosed tears the session down after the upstream link drops.
// There is no reconnect; the caller must open a fresh session.
func (s *Session) OnUpstreamClosed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked("upstream closed", err)
}

// teardownLocked releases all session resources exactly once. Caller holds mu.
func (s *Session) teardownLocked(reason string, cause error) {
	if s.state.IsTerminal() {
		return
	}
	s.state = StateClosing

	// One last commit so trailing caller speech is not lost, but only if
	// enough audio is pending to be meaningful.
	if s.buffer.upstreamReady() && s.buffer.finalCommitDue() {
		if err := s.upstream.CommitAudio(); err == nil {
			s.metrics.RecordCommit("close")
			if err := s.upstream.CreateResponse(); err != nil {
				s.log.Debug().Err(err).Msg("final response create failed")
			}
		}
	}

	s.timers.stop()
	s.responsePending = false
	s.response.reset()
	if err := s.upstream.Close(); err != nil {
		s.log.Debug().Err(err).Msg("upstream close")
	}

	s.state = StateClosed
	duration := s.now().Sub(s.startedAt)
	s.metrics.RecordSessionEnd(duration.Seconds())

	evt := s.log.Info().Str("reason", reason).Dur("duration", duration)
	if cause != nil {
		evt = evt.Err(cause)
	}
	evt.Msg("session closed")
}

func (s *Session) appendHistoryLocked(role, text string) {
	if text == "" {
		return
	}
	s.history = append(s.history, models.HistoryTurn{Role: role, Text: text})
	if limit := s.cfg.MaxHistoryTurns; limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}
