// Package logging adapts common loggers to the messaging.Sink interface and
// builds the loggers used by the burrow command.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/burrow-go/messaging"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Backends accepted by New
const (
	BackendText    = "text"
	BackendJSON    = "json"
	BackendZap     = "zap"
	BackendZerolog = "zerolog"
)

// ParseLevel maps debug, info, warn/warning and error to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", level)
	}
}

// New builds a sink for backend writing to w at level or above
func New(backend string, level slog.Level, w io.Writer) (messaging.Sink, error) {
	switch strings.ToLower(backend) {
	case "", BackendText, BackendJSON:
		return NewSlog(backend, level, w), nil
	case BackendZap:
		return NewZapSink(NewZapLogger(level, w)), nil
	case BackendZerolog:
		return NewZerologSink(zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger()), nil
	default:
		return nil, fmt.Errorf("logging: unknown backend %q", backend)
	}
}

// NewSlog returns a *slog.Logger using the text or json handler
func NewSlog(format string, level slog.Level, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, BackendJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewZapLogger builds a JSON zap logger writing to w
func NewZapLogger(level slog.Level, w io.Writer) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(zapLevel(level)),
	)
	return zap.New(core)
}

// ZapSink writes events to a zap logger
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Log implements messaging.Sink
func (s *ZapSink) Log(_ context.Context, level slog.Level, msg string, args ...any) {
	ce := s.logger.Check(zapLevel(level), msg)
	if ce == nil {
		return
	}

	attrs := collect(level, msg, args)
	fields := make([]zap.Field, 0, len(attrs))
	for _, a := range attrs {
		fields = append(fields, zap.Any(a.Key, a.Value.Any()))
	}
	ce.Write(fields...)
}

// ZerologSink writes events to a zerolog logger
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink wraps logger
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

// Log implements messaging.Sink
func (s *ZerologSink) Log(_ context.Context, level slog.Level, msg string, args ...any) {
	event := s.logger.WithLevel(zerologLevel(level))
	if event == nil {
		return
	}
	for _, a := range collect(level, msg, args) {
		event = event.Interface(a.Key, a.Value.Any())
	}
	event.Msg(msg)
}

// collect turns slog-style key/value pairs and Attrs into resolved attributes
func collect(level slog.Level, msg string, args []any) []slog.Attr {
	r := slog.NewRecord(time.Time{}, level, msg, 0)
	r.Add(args...)

	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		a.Value = a.Value.Resolve()
		attrs = append(attrs, a)
		return true
	})
	return attrs
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

var (
	_ messaging.Sink = (*ZapSink)(nil)
	_ messaging.Sink = (*ZerologSink)(nil)
)
