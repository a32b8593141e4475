// Package logging provides structured logging with zerolog.
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the global service logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithSession returns a logger with per-session context.
func WithSession(sessionID, incidentID string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("incidentId", incidentID).
		Logger()
}

// WithIncident returns a logger with incident context.
func WithIncident(incidentID string) zerolog.Logger {
	return log.With().
		Str("incidentId", incidentID).
		Logger()
}
