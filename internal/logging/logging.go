// Package logging configures the process-wide zerolog logger and provides
// the small set of child-logger helpers used throughout the codebase.
package logging

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. console controls whether
// output is the human-friendly console writer or line-delimited JSON.
func Init(level string, console bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if console {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// ForNode returns a child logger tagged with the node's identity.
func ForNode(nodeID, cluster string) zerolog.Logger {
	return log.With().Str("node_id", nodeID).Str("cluster", cluster).Logger()
}

// ForCoordinator returns a child logger for the coordinator process.
func ForCoordinator() zerolog.Logger {
	return log.With().Str("role", "coordinator").Logger()
}

// NewCorrelationID mints a request-scoped id used to tie together the log
// lines produced while handling a single RPC across process boundaries.
func NewCorrelationID() string {
	return uuid.NewString()
}
