// Package logx provides the shared structured logger used throughout
// the relay core.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used throughout the project.
var Log = log.Logger

func init() {
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// WithCorrelation returns a logger sub-scoped to one request's
// correlation id, mirroring the per-request structured-field logging
// used across session and request-handling code.
func WithCorrelation(correlationID string) zerolog.Logger {
	return Log.With().Str("correlation_id", correlationID).Logger()
}
