// Package timeline posts relay artifacts to the external incident timeline.
//
// Publication is fire-and-forget: failures are logged and swallowed, and a
// bounded in-flight limit guarantees a slow timeline service can never stall
// the live audio path.
package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"dispatch-relay-service/internal/models"
	"dispatch-relay-service/internal/observability/logging"
	"dispatch-relay-service/internal/observability/metrics"
)

// Config holds timeline client configuration.
type Config struct {
	BaseURL     string        // empty disables posting (log-only mode)
	Timeout     time.Duration // per-request timeout
	MaxInFlight int           // concurrent posts; further events are dropped
}

// Client appends events to incident timelines over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	sem     chan struct{}
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a timeline client. An empty base URL yields a log-only client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	logger := logging.WithComponent("timeline")
	if cfg.BaseURL == "" {
		logger.Info().Msg("Incident timeline disabled, using log-only mode")
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		sem:     make(chan struct{}, maxInFlight),
		log:     logger,
		metrics: metrics.DefaultMetrics,
	}
}

// PostEvent appends an event to the incident timeline, fire-and-forget.
// If the in-flight limit is reached the event is dropped rather than queued;
// at-most-once delivery is the contract here.
func (c *Client) PostEvent(incidentID string, ev models.TimelineEvent) {
	log := logging.WithIncident(incidentID)

	select {
	case c.sem <- struct{}{}:
	default:
		c.metrics.RecordTimelineDropped()
		log.Warn().
			Str("eventType", ev.Type).
			Msg("Timeline event dropped, in-flight limit reached")
		return
	}

	go func() {
		defer func() { <-c.sem }()

		start := time.Now()
		err := c.post(incidentID, ev)
		c.metrics.RecordTimelinePublish(ev.Type, err, time.Since(start).Seconds())
		if err != nil {
			log.Warn().
				Err(err).
				Str("eventType", ev.Type).
				Msg("Failed to post timeline event")
		}
	}()
}

func (c *Client) post(incidentID string, ev models.TimelineEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if c.baseURL == "" {
		log := logging.WithIncident(incidentID)
		log.Debug().
			RawJSON("event", payload).
			Msg("Timeline event (log-only)")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/incidents/%s/events", c.baseURL, incidentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("timeline returned status %d", resp.StatusCode)
	}
	return nil
}
