package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs used throughout
// dispatchloop.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by the event loop,
// router, and fault manager. Applications can adapt their existing loggers
// without depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("dispatchloop: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toSlogArgs(fields)...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.inner.Debug(msg, toSlogArgs(fields)...)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.inner.Info(msg, toSlogArgs(fields)...)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.inner.Warn(msg, toSlogArgs(fields)...)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	args := toSlogArgs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Error(msg, args...)
}

func toSlogArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields))
	for key, value := range fields {
		args = append(args, slog.Any(key, value))
	}
	return args
}

type watermillAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// so the in-process dead-letter sink can reuse the same logger abstraction.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("dispatchloop: ServiceLogger cannot be nil")
	}
	return &watermillAdapter{base: log}
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.base.Error(msg, err, fromWatermillFields(fields))
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.base.Info(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.base.Debug(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.base.Debug(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{base: w.base.With(fromWatermillFields(fields))}
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
