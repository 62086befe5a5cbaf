package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the printf-style sink the portal and engine code write to.
type Logger interface {
	Log(format string, args ...any)
}

// newEngineLogger returns a zerolog logger that writes human-readable lines to
// stdout and JSON lines to file (if non-nil).
func newEngineLogger(stdout, file io.Writer, mode string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.DateTime}

	var out io.Writer = console
	if file != nil {
		out = zerolog.MultiLevelWriter(console, file)
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Str("app", "seat").
		Str("mode", mode).
		Logger()
}

// openLogFile opens path for appending.
func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// moduleLogger adapts a zerolog logger to Logger.
type moduleLogger struct {
	logger zerolog.Logger
}

func (m *moduleLogger) Log(format string, args ...any) {
	m.logger.Info().Msgf(format, args...)
}

// accountLogger prefixes every line with a short account tag.
type accountLogger struct {
	id   string
	base Logger
}

func (a *accountLogger) Log(format string, args ...any) {
	a.base.Log("[%s] "+format, append([]any{a.id}, args...)...)
}

func newAccountLogger(base Logger, username string) Logger {
	return &accountLogger{id: maskUsername(username), base: base}
}

type nopLogger struct{}

func (nopLogger) Log(string, ...any) {}
