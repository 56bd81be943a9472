// Package logging wraps log/slog with the proxy's fixed set of audit
// events, so call sites log structured, consistently-shaped records
// instead of ad-hoc slog.Info calls.
package logging

import (
	"context"
	"log/slog"
)

// DecisionObserver mirrors audit events into a side channel, such as the
// optional status-introspection server. Never consulted for policy; a nil
// Observer simply means no one is listening beyond the log itself.
type DecisionObserver interface {
	RecordDecision(sessionID, verdict, direction, iface, path, member string)
	RecordEavesdrop(sessionID, sender string)
}

// Logger wraps a *slog.Logger tagged with the session it belongs to.
type Logger struct {
	*slog.Logger
	session  string
	observer DecisionObserver
}

// New wraps an existing *slog.Logger (built by main with the -log-format
// handler selection) and tags it with a session id, empty for
// process-level events that precede any session.
func New(base *slog.Logger, session string) *Logger {
	return &Logger{Logger: base, session: session}
}

// WithSession returns a copy of l tagged with a different session id.
func (l *Logger) WithSession(session string) *Logger {
	return &Logger{Logger: l.Logger, session: session, observer: l.observer}
}

// WithObserver returns a copy of l that also mirrors decision/eavesdrop
// events to obs, for the optional status-introspection server.
func (l *Logger) WithObserver(obs DecisionObserver) *Logger {
	return &Logger{Logger: l.Logger, session: l.session, observer: obs}
}

func (l *Logger) attrs(extra ...slog.Attr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(extra)+1)
	if l.session != "" {
		attrs = append(attrs, slog.String("session", l.session))
	}
	return append(attrs, extra...)
}

// LogDecision logs a single rule-engine verdict for a routed message.
func (l *Logger) LogDecision(ctx context.Context, verdict, direction, iface, path, member string) {
	l.LogAttrs(ctx, slog.LevelInfo, verdict, l.attrs(
		slog.String("direction", direction),
		slog.String("interface", iface),
		slog.String("path", path),
		slog.String("member", member),
	)...)
	if l.observer != nil {
		l.observer.RecordDecision(l.session, verdict, direction, iface, path, member)
	}
}

// LogHelloSpoofed records the Hello interception for a new session.
func (l *Logger) LogHelloSpoofed(ctx context.Context, uniqueName string) {
	l.LogAttrs(ctx, slog.LevelInfo, "hello_spoofed", l.attrs(
		slog.String("unique_name", uniqueName),
	)...)
}

// LogEavesdropDetected records a peer requesting eavesdrop-enabled
// matches.
func (l *Logger) LogEavesdropDetected(ctx context.Context, sender string) {
	l.LogAttrs(ctx, slog.LevelWarn, "eavesdrop_detected", l.attrs(
		slog.String("sender", sender),
	)...)
	if l.observer != nil {
		l.observer.RecordEavesdrop(l.session, sender)
	}
}

// LogEavesdropCleared records a previously-tracked eavesdropper name being
// reassigned to a new owner (NameAcquired tracking, spec.md I3).
func (l *Logger) LogEavesdropCleared(ctx context.Context, name string) {
	l.LogAttrs(ctx, slog.LevelInfo, "eavesdrop_cleared", l.attrs(
		slog.String("name", name),
	)...)
}

// LogSessionStart records a new session's creation.
func (l *Logger) LogSessionStart(ctx context.Context, uniqueName string) {
	l.LogAttrs(ctx, slog.LevelInfo, "session_start", l.attrs(
		slog.String("unique_name", uniqueName),
	)...)
}

// LogSessionEnd records a session's termination, with the reason (the
// session passes "client disconnect" or "error").
func (l *Logger) LogSessionEnd(ctx context.Context, reason string, err error) {
	attrs := l.attrs(slog.String("reason", reason))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.LogAttrs(ctx, slog.LevelInfo, "session_end", attrs...)
}

// LogConfigError records a non-fatal configuration record error.
func (l *Logger) LogConfigError(ctx context.Context, err error) {
	l.LogAttrs(ctx, slog.LevelWarn, "config_error", l.attrs(
		slog.String("error", err.Error()),
	)...)
}

// LogBindError records a fatal listener bind failure.
func (l *Logger) LogBindError(ctx context.Context, path string, err error) {
	l.LogAttrs(ctx, slog.LevelError, "bind_error", l.attrs(
		slog.String("path", path),
		slog.String("error", err.Error()),
	)...)
}
