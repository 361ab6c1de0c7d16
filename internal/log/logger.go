package log

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// LogFormatText selects the human readable key=value formatter.
	LogFormatText = "text"
	// LogFormatJSON selects the JSON formatter.
	LogFormatJSON = "json"
)

// Fields contains key-value pairs of structured logging data.
type Fields = logrus.Fields

// Logger is the logging interface used throughout the object store. Components receive a Logger at
// construction time and decorate it with their own fields.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)

	DebugContext(ctx context.Context, msg string)
	InfoContext(ctx context.Context, msg string)
	WarnContext(ctx context.Context, msg string)
	ErrorContext(ctx context.Context, msg string)
}

// LogrusLogger is an implementation of the Logger interface that is implemented via a `logrus.FieldLogger`.
type LogrusLogger struct {
	entry *logrus.Entry
}

// FromLogrusEntry constructs a new logger from a `logrus.Logger`.
func FromLogrusEntry(entry *logrus.Entry) LogrusLogger {
	return LogrusLogger{entry: entry}
}

// LogrusEntry returns the `logrus.Entry` that backs this logger.
func (l LogrusLogger) LogrusEntry() *logrus.Entry {
	return l.entry
}

// WithField creates a new logger with the given field appended.
func (l LogrusLogger) WithField(key string, value any) Logger {
	return LogrusLogger{entry: l.entry.WithField(key, value)}
}

// WithFields creates a new logger with the given fields appended.
func (l LogrusLogger) WithFields(fields Fields) Logger {
	return LogrusLogger{entry: l.entry.WithFields(fields)}
}

// WithError creates a new logger with an appended error field.
func (l LogrusLogger) WithError(err error) Logger {
	return LogrusLogger{entry: l.entry.WithError(err)}
}

// Debug writes a log message at debug level.
func (l LogrusLogger) Debug(msg string) {
	l.entry.Debug(msg)
}

// Info writes a log message at info level.
func (l LogrusLogger) Info(msg string) {
	l.entry.Info(msg)
}

// Warn writes a log message at warn level.
func (l LogrusLogger) Warn(msg string) {
	l.entry.Warn(msg)
}

// Error writes a log message at error level.
func (l LogrusLogger) Error(msg string) {
	l.entry.Error(msg)
}

// DebugContext writes a log message at debug level. The context is attached to the entry.
func (l LogrusLogger) DebugContext(ctx context.Context, msg string) {
	l.entry.WithContext(ctx).Debug(msg)
}

// InfoContext writes a log message at info level. The context is attached to the entry.
func (l LogrusLogger) InfoContext(ctx context.Context, msg string) {
	l.entry.WithContext(ctx).Info(msg)
}

// WarnContext writes a log message at warn level. The context is attached to the entry.
func (l LogrusLogger) WarnContext(ctx context.Context, msg string) {
	l.entry.WithContext(ctx).Warn(msg)
}

// ErrorContext writes a log message at error level. The context is attached to the entry.
func (l LogrusLogger) ErrorContext(ctx context.Context, msg string) {
	l.entry.WithContext(ctx).Error(msg)
}

// Configure configures a new logger writing to out. Format must be one of "text" or "json", an
// empty format defaults to "text". Level is parsed with logrus.ParseLevel, an empty level
// defaults to "info".
func Configure(out io.Writer, format string, level string, hooks ...logrus.Hook) (Logger, error) {
	logger := logrus.New() //nolint:forbidigo
	logger.Out = out

	switch format {
	case LogFormatJSON:
		logger.Formatter = &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"}
	case "", LogFormatText:
		logger.Formatter = &logrus.TextFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00", FullTimestamp: true}
	default:
		return nil, fmt.Errorf("invalid logger format %q", format)
	}

	logrusLevel := logrus.InfoLevel
	if level != "" {
		var err error
		logrusLevel, err = logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse level: %w", err)
		}
	}
	logger.SetLevel(logrusLevel)

	for _, hook := range hooks {
		logger.Hooks.Add(hook)
	}

	return FromLogrusEntry(logrus.NewEntry(logger)), nil
}
