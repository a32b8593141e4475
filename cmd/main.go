package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dispatch-relay-service/internal/app"
	"dispatch-relay-service/internal/config"
	"dispatch-relay-service/internal/events"
	httpapi "dispatch-relay-service/internal/http"
	"dispatch-relay-service/internal/observability"
	"dispatch-relay-service/internal/relay"
	"dispatch-relay-service/internal/timeline"
	"dispatch-relay-service/internal/vision"
)

func main() {
	cfg := config.Load()
	application := app.New(cfg)
	logger := application.Logger

	if cfg.Upstream.APIKey == "" {
		logger.Warn().Msg("UPSTREAM_API_KEY is not set, upstream dials will fail")
	}

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Application start failed")
	}

	obsServer := observability.NewServer(":" + cfg.Service.ObsPort)
	obsServer.Start()

	publisher := events.New(&events.Config{
		Brokers:       cfg.Bus.Brokers,
		TopicCaptions: cfg.Bus.TopicCaptions,
		TopicAgent:    cfg.Bus.TopicAgent,
		Principal:     cfg.Bus.Principal,
		Enabled:       cfg.Bus.Enabled,
	})
	defer publisher.Close()

	sink := timeline.New(timeline.Config{
		BaseURL:     cfg.Incident.BaseURL,
		Timeout:     cfg.Incident.Timeout,
		MaxInFlight: cfg.Incident.MaxInFlight,
	})

	var analyzer relay.ImageAnalyzer
	if a := vision.New(vision.Config{APIKey: cfg.Vision.APIKey, Model: cfg.Vision.Model}); a != nil {
		analyzer = a
	} else {
		logger.Info().Msg("Vision analyzer disabled, no API key configured")
	}

	relayCfg := relayConfig(cfg)
	upstreamFactory := func() relay.UpstreamLink {
		return relay.NewBridge(relay.BridgeConfig{
			URL:         cfg.Upstream.URL,
			APIKey:      cfg.Upstream.APIKey,
			DialTimeout: cfg.Upstream.DialTimeout,
		})
	}
	handler := relay.NewHandler(relayCfg, upstreamFactory, sink, publisher, analyzer, nil)

	server := &http.Server{
		Addr:        ":" + cfg.Service.Port,
		Handler:     httpapi.NewRouter(handler),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Caller-facing HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("Shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Observability server shutdown error")
	}
	application.Shutdown()
}

// relayConfig maps loaded configuration onto the per-session relay policy.
func relayConfig(cfg *config.Configuration) relay.Config {
	rc := relay.DefaultConfig()
	rc.DefaultSampleRate = cfg.Relay.DefaultSampleRate
	rc.MinFrameBytes = cfg.Relay.MinFrameBytes
	rc.PreBufferMaxBytes = cfg.Relay.PreBufferMaxBytes
	rc.CommitWindow = cfg.Relay.CommitWindow
	rc.FlushWindow = cfg.Relay.FlushWindow
	rc.FlushDelay = cfg.Relay.FlushDelay
	rc.ResponseDebounce = cfg.Relay.ResponseDebounce
	rc.AgentTriggerDebounce = cfg.Relay.AgentTriggerDebounce
	rc.SpeakingGrace = cfg.Relay.SpeakingGrace
	rc.EchoGrace = cfg.Relay.EchoGrace
	rc.EchoRetention = cfg.Relay.EchoRetention
	rc.MaxHistoryTurns = cfg.Relay.MaxHistoryTurns
	rc.Voice = cfg.Upstream.Voice
	return rc
}
