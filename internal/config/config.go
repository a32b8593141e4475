// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration holds all service configuration, grouped by concern.
type Configuration struct {
	Service       ServiceConfig
	Upstream      UpstreamConfig
	Incident      IncidentConfig
	Relay         RelayConfig
	Vision        VisionConfig
	Bus           BusConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds the listener addresses.
type ServiceConfig struct {
	Name    string
	Port    string // caller-facing WebSocket/HTTP port
	ObsPort string // metrics/health port
}

// UpstreamConfig holds the upstream conversational model link settings.
type UpstreamConfig struct {
	URL         string
	APIKey      string
	Voice       string
	DialTimeout time.Duration
}

// IncidentConfig holds the external incident timeline settings.
type IncidentConfig struct {
	BaseURL     string
	Timeout     time.Duration
	MaxInFlight int
}

// RelayConfig holds the per-session buffering, echo and timer policy.
type RelayConfig struct {
	DefaultSampleRate    int
	MinFrameBytes        int
	PreBufferMaxBytes    int
	CommitWindow         time.Duration
	FlushWindow          time.Duration
	FlushDelay           time.Duration
	ResponseDebounce     time.Duration
	AgentTriggerDebounce time.Duration
	SpeakingGrace        time.Duration
	EchoGrace            time.Duration
	EchoRetention        time.Duration
	MaxHistoryTurns      int
}

// VisionConfig holds the image-analysis collaborator settings.
type VisionConfig struct {
	APIKey string
	Model  string
}

// BusConfig holds the optional Kafka artifact bus settings.
type BusConfig struct {
	Enabled       bool
	Brokers       []string
	TopicCaptions string
	TopicAgent    string
	Principal     string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel string
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Name:    envOrDefault("SERVICE_NAME", "dispatch-relay-service"),
			Port:    envOrDefault("PORT", "8093"),
			ObsPort: envOrDefault("OBS_PORT", "9093"),
		},
		Upstream: UpstreamConfig{
			URL:         envOrDefault("UPSTREAM_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01"),
			APIKey:      os.Getenv("UPSTREAM_API_KEY"),
			Voice:       envOrDefault("UPSTREAM_VOICE", "alloy"),
			DialTimeout: envDuration("UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		},
		Incident: IncidentConfig{
			BaseURL:     os.Getenv("INCIDENT_BASE_URL"),
			Timeout:     envDuration("INCIDENT_TIMEOUT", 5*time.Second),
			MaxInFlight: envInt("INCIDENT_MAX_IN_FLIGHT", 8),
		},
		Relay: RelayConfig{
			DefaultSampleRate:    envInt("RELAY_DEFAULT_SAMPLE_RATE", 24000),
			MinFrameBytes:        envInt("RELAY_MIN_FRAME_BYTES", 200),
			PreBufferMaxBytes:    envInt("PRE_UPSTREAM_MAX_BYTES", 256000),
			CommitWindow:         envDuration("RELAY_COMMIT_WINDOW", 200*time.Millisecond),
			FlushWindow:          envDuration("RELAY_FLUSH_WINDOW", 100*time.Millisecond),
			FlushDelay:           envDuration("RELAY_FLUSH_DELAY", 250*time.Millisecond),
			ResponseDebounce:     envDuration("RELAY_RESPONSE_DEBOUNCE", 50*time.Millisecond),
			AgentTriggerDebounce: envDuration("AGENT_TRIGGER_DEBOUNCE", 3*time.Second),
			SpeakingGrace:        envDuration("RELAY_SPEAKING_GRACE", 500*time.Millisecond),
			EchoGrace:            envDuration("RELAY_ECHO_GRACE", 800*time.Millisecond),
			EchoRetention:        envDuration("RELAY_ECHO_RETENTION", 1500*time.Millisecond),
			MaxHistoryTurns:      envInt("RELAY_MAX_HISTORY_TURNS", 50),
		},
		Vision: VisionConfig{
			APIKey: os.Getenv("VISION_API_KEY"),
			Model:  envOrDefault("VISION_MODEL", "gpt-4o"),
		},
		Bus: BusConfig{
			Enabled:       envBool("KAFKA_ENABLED", false),
			Brokers:       envList("KAFKA_BROKERS"),
			TopicCaptions: envOrDefault("KAFKA_TOPIC_CAPTIONS", "incident.caption.final"),
			TopicAgent:    envOrDefault("KAFKA_TOPIC_AGENT", "incident.agent.message"),
			Principal:     envOrDefault("SERVICE_PRINCIPAL", "svc-dispatch-relay"),
		},
		Observability: ObservabilityConfig{
			LogLevel: envOrDefault("LOG_LEVEL", "info"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
