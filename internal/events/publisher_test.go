package events

import (
	"context"
	"testing"

	"dispatch-relay-service/internal/models"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerCaptions != nil {
				t.Error("expected nil captions writer when disabled")
			}
			if p.writerAgent != nil {
				t.Error("expected nil agent writer when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:       false,
		Brokers:       []string{"localhost:9092"},
		TopicCaptions: "test.captions",
		TopicAgent:    "test.agent",
		Principal:     "test-principal",
	}

	p := New(cfg)

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicCaptions != "test.captions" {
		t.Errorf("expected captions topic 'test.captions', got %s", p.topicCaptions)
	}
	if p.topicAgent != "test.agent" {
		t.Errorf("expected agent topic 'test.agent', got %s", p.topicAgent)
	}
}

func TestPublisher_PublishDisabled(t *testing.T) {
	p := New(&Config{Enabled: false})
	ctx := context.Background()

	caption := models.CallerCaption{
		EventType:  "incident.caption.final",
		IncidentID: "inc-1",
		Text:       "there is smoke coming from the kitchen",
	}
	if err := p.PublishCaption(ctx, "inc-1", caption); err != nil {
		t.Errorf("disabled publish should not error, got %v", err)
	}

	msg := models.AgentMessage{
		EventType:  "incident.agent.message",
		IncidentID: "inc-1",
		Text:       "Help is on the way.",
		HasAudio:   true,
		AudioRef:   "ref-1",
	}
	if err := p.PublishAgentMessage(ctx, "inc-1", msg); err != nil {
		t.Errorf("disabled publish should not error, got %v", err)
	}
}

func TestPublisher_PublishUnmarshalable(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Channels cannot be marshaled to JSON
	if err := p.PublishCaption(context.Background(), "inc-1", make(chan int)); err == nil {
		t.Error("expected marshal error for unmarshalable event")
	}
}

func TestPublisher_CloseDisabled(t *testing.T) {
	p := New(&Config{Enabled: false})
	if err := p.Close(); err != nil {
		t.Errorf("closing disabled publisher should not error, got %v", err)
	}
}
