package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatch-relay-service/internal/models"
	"dispatch-relay-service/internal/observability/logging"
)

// BridgeConfig holds the upstream dial parameters.
type BridgeConfig struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
}

var errBridgeClosed = errors.New("upstream bridge closed")

// Bridge is the production UpstreamLink over a WebSocket to the realtime
// model endpoint. Connect dials asynchronously; the handler hears about the
// outcome via OnUpstreamReady or OnUpstreamClosed.
type Bridge struct {
	cfg BridgeConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
}

// NewBridge builds an unconnected bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{cfg: cfg}
}

// Connect starts the upstream dial. Safe to call once; later calls are no-ops.
func (b *Bridge) Connect(handler UpstreamHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBridgeClosed
	}
	if b.started {
		return nil
	}
	b.started = true
	go b.dialAndListen(handler)
	return nil
}

func (b *Bridge) dialAndListen(handler UpstreamHandler) {
	log := logging.WithComponent("upstream")

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.Dial(b.cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("upstream dial: %w (status %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("upstream dial: %w", err)
		}
		log.Error().Err(err).Msg("dial failed")
		handler.OnUpstreamClosed(err)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		handler.OnUpstreamClosed(nil)
		return
	}
	b.conn = conn
	b.mu.Unlock()

	log.Info().Msg("upstream connected")
	handler.OnUpstreamReady()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				handler.OnUpstreamClosed(nil)
			} else {
				handler.OnUpstreamClosed(err)
			}
			return
		}
		var ev models.UpstreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("undecodable upstream event")
			continue
		}
		handler.OnUpstreamEvent(ev)
	}
}

// send writes one command under the write lock.
func (b *Bridge) send(cmd models.UpstreamCommand) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBridgeClosed
	}
	if b.conn == nil {
		return errors.New("upstream not connected")
	}
	return b.conn.WriteJSON(cmd)
}

// Configure sends the one-shot session configuration.
func (b *Bridge) Configure(cfg models.UpstreamSessionConfig) error {
	return b.send(models.UpstreamCommand{
		Type:    models.UpstreamSessionUpdate,
		Session: &cfg,
	})
}

// AppendAudio forwards one PCM frame, base64-encoded on the wire.
func (b *Bridge) AppendAudio(frame []byte) error {
	return b.send(models.UpstreamCommand{
		Type:  models.UpstreamAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
}

// CommitAudio commits the upstream input buffer.
func (b *Bridge) CommitAudio() error {
	return b.send(models.UpstreamCommand{Type: models.UpstreamAudioCommit})
}

// CreateResponse asks the upstream to generate a response.
func (b *Bridge) CreateResponse() error {
	return b.send(models.UpstreamCommand{Type: models.UpstreamResponseCreate})
}

// InjectText adds an out-of-band user text item to the conversation.
func (b *Bridge) InjectText(text string) error {
	return b.send(models.UpstreamCommand{
		Type: models.UpstreamConversationItem,
		Item: &models.UpstreamItem{
			Type: "message",
			Role: "user",
			Content: []models.UpstreamContent{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// Close tears the connection down. Idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		b.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return b.conn.Close()
	}
	return nil
}
