package policy

import (
	"io"
	"log/slog"
)

// Option configures an Engine at construction time.
type Option func(*engineOptions)

type engineOptions struct {
	log *slog.Logger
}

// WithLogger sets the logger the engine reports state transitions and
// protocol errors to. Defaults to a logger that discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(o *engineOptions) { o.log = log }
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
