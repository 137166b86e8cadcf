package main

import (
	"log/slog"
	"os"
	"strings"
)

// newLogger builds the process-wide structured logger; call sites add
// their own "component" attribute via Logger.With. Production (info
// and above) uses the JSON handler; debug uses text, for local
// readability. LOG_LEVEL=trace has no slog equivalent, so it is
// treated as an alias for debug — call sites that want finer
// granularity than debug add their own "trace": true attribute.
func newLogger(level string) *slog.Logger {
	slogLevel, handlerOpts := slog.LevelInfo, &slog.HandlerOptions{}

	switch strings.ToLower(level) {
	case "trace", "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	handlerOpts.Level = slogLevel

	if slogLevel == slog.LevelDebug {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
}
