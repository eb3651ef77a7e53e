package messaging

import (
	"context"
	"log/slog"
)

// Sink receives log events. *slog.Logger satisfies it; adapters for other
// loggers live in the logging package.
type Sink interface {
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
}

var _ Sink = (*slog.Logger)(nil)

// eventLogger prefixes every event with the component attribute and drops
// everything when no sink is configured.
type eventLogger struct {
	sink        Sink
	component   string
	logRequest  bool
	logResponse bool
}

func newEventLogger(cfg Config) eventLogger {
	return eventLogger{
		sink:        cfg.Logger,
		component:   cfg.LogPrefix,
		logRequest:  cfg.LogRequest,
		logResponse: cfg.LogResponse,
	}
}

func (l eventLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l.sink == nil {
		return
	}
	if l.component != "" {
		args = append([]any{"component", l.component}, args...)
	}
	l.sink.Log(ctx, level, msg, args...)
}

func (l eventLogger) debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l eventLogger) info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l eventLogger) warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l eventLogger) error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// withRequest appends the request body when request logging is on
func (l eventLogger) withRequest(args []any, body []byte) []any {
	if l.logRequest {
		return append(args, "request", string(body))
	}
	return args
}

// withResponse appends the response body when response logging is on
func (l eventLogger) withResponse(args []any, body []byte) []any {
	if l.logResponse {
		return append(args, "response", string(body))
	}
	return args
}

// asSlog exposes the sink as a *slog.Logger for the connection manager
func (l eventLogger) asSlog() *slog.Logger {
	return slog.New(sinkHandler{log: l})
}

// sinkHandler forwards slog records to an eventLogger
type sinkHandler struct {
	log   eventLogger
	attrs []slog.Attr
}

func (h sinkHandler) Enabled(context.Context, slog.Level) bool {
	return h.log.sink != nil
}

func (h sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	args := make([]any, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		args = append(args, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, a)
		return true
	})
	h.log.log(ctx, r.Level, r.Message, args...)
	return nil
}

func (h sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return sinkHandler{log: h.log, attrs: merged}
}

// WithGroup flattens groups; sinks receive plain attributes
func (h sinkHandler) WithGroup(string) slog.Handler {
	return h
}
