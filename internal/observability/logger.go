package observability

import (
	"io"
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// NewLogger builds the service logger and installs it as the slog default.
// Format "text" selects a human-readable handler; anything else emits JSON.
func NewLogger(level, format string) *slog.Logger {
	return sharedobs.NewLogger(level, format).With("service", "discharge-tracker")
}

// DiscardLogger returns a logger that drops everything. Used by tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
