package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatch-relay-service/internal/observability/logging"
	"dispatch-relay-service/internal/observability/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The caller endpoint is dialed by known gateways, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpstreamFactory builds one upstream link per session.
type UpstreamFactory func() UpstreamLink

// Handler accepts caller WebSocket connections and runs one session per
// connection.
type Handler struct {
	cfg      Config
	metrics  *metrics.Metrics
	upstream UpstreamFactory

	sink      EventSink
	publisher ArtifactPublisher
	vision    ImageAnalyzer
}

// NewHandler builds the caller-facing WebSocket handler.
func NewHandler(cfg Config, upstream UpstreamFactory, sink EventSink, publisher ArtifactPublisher, vision ImageAnalyzer, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Handler{
		cfg:       cfg,
		metrics:   m,
		upstream:  upstream,
		sink:      sink,
		publisher: publisher,
		vision:    vision,
	}
}

// ServeHTTP upgrades the connection and runs the session read loop until the
// caller disconnects or a protocol error occurs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.WithComponent("relay")

	incidentID := r.URL.Query().Get("incident_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.RecordSessionRejected("upgrade_failed")
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if incidentID == "" {
		h.metrics.RecordSessionRejected("missing_incident_id")
		log.Warn().Msg("connection without incident_id refused")
		closeWithPolicyViolation(conn, "incident_id is required")
		conn.Close()
		return
	}

	client := &wsClient{conn: conn}
	session := NewSession(Deps{
		IncidentID: incidentID,
		Client:     client,
		Upstream:   h.upstream(),
		Sink:       h.sink,
		Publisher:  h.publisher,
		Vision:     h.vision,
		Metrics:    h.metrics,
		Config:     h.cfg,
	})

	defer func() {
		session.HandleClientClosed()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("caller read ended")
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if err := session.HandleControlFrame(data); err != nil {
				log.Warn().Err(err).Msg("protocol error, closing")
				closeWithPolicyViolation(conn, err.Error())
				return
			}
		case websocket.BinaryMessage:
			session.HandleAudioFrame(data)
		}
	}
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	// Close reason text is capped at 123 bytes by the protocol.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second),
	)
}

// wsClient serializes writes to the caller connection.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}
