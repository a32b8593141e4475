// Package events provides optional artifact publishing to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"dispatch-relay-service/internal/observability/metrics"
)

// Publisher publishes relay artifacts to separate Kafka topics: accepted
// caller captions and consolidated agent messages. When disabled it runs in
// log-only mode so the relay path never depends on a broker being reachable.
type Publisher struct {
	writerCaptions *kafka.Writer
	writerAgent    *kafka.Writer
	principal      string
	topicCaptions  string
	topicAgent     string
	enabled        bool
	metrics        *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicCaptions string
	TopicAgent    string
	Principal     string
	Enabled       bool
}

// New creates a new Kafka artifact publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:     cfg.Principal,
			topicCaptions: cfg.TopicCaptions,
			topicAgent:    cfg.TopicAgent,
			enabled:       false,
			metrics:       m,
		}
	}

	// Custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writerCaptions := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicCaptions,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	writerAgent := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicAgent,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicCaptions", cfg.TopicCaptions).
		Str("topicAgent", cfg.TopicAgent).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerCaptions: writerCaptions,
		writerAgent:    writerAgent,
		principal:      cfg.Principal,
		topicCaptions:  cfg.TopicCaptions,
		topicAgent:     cfg.TopicAgent,
		enabled:        true,
		metrics:        m,
	}
}

// PublishCaption publishes an accepted caller caption, keyed by incident.
func (p *Publisher) PublishCaption(ctx context.Context, incidentID string, event any) error {
	return p.publish(ctx, p.writerCaptions, p.topicCaptions, "caption", incidentID, event)
}

// PublishAgentMessage publishes a consolidated agent message, keyed by incident.
func (p *Publisher) PublishAgentMessage(ctx context.Context, incidentID string, event any) error {
	return p.publish(ctx, p.writerAgent, p.topicAgent, "agent_message", incidentID, event)
}

// publish is the internal method that writes to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing artifact")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordBusPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordBusPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordBusPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerCaptions != nil {
		if e := p.writerCaptions.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing captions writer")
			err = e
		}
	}
	if p.writerAgent != nil {
		if e := p.writerAgent.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing agent writer")
			err = e
		}
	}
	return err
}
