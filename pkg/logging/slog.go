// Package logging supplies the default implementation of
// orchestrator.Logger used outside of tests: a thin adapter over the
// standard library's log/slog. The teacher defines the Logger interface
// itself; this just wires it to something real without pulling in a
// structured-logging dependency the rest of the pack never imports.
package logging

import (
	"log/slog"
	"os"

	"github.com/teamhashing/voicegateway/pkg/orchestrator"
)

// SlogLogger adapts *slog.Logger to orchestrator.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger builds a logger writing JSON lines to os.Stderr at the
// given level ("debug", "info", "warn", "error"; defaults to "info").
func NewSlogLogger(level string) *SlogLogger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &SlogLogger{l: slog.New(handler)}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

var _ orchestrator.Logger = (*SlogLogger)(nil)
