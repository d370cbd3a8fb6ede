package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for one ingress event or
// background task. The Ctx variants of the logging functions inject these
// fields automatically, so dispatch code does not have to thread identity
// and correlation ids through every log call.
type LogContext struct {
	TraceID       string    // OpenTelemetry trace ID
	SpanID        string    // OpenTelemetry span ID
	CorrelationID string    // Per-event correlation id (uuid)
	MessageID     string    // Provider message id
	Identity      string    // End-user identity
	Flow          string    // Flow name once resolved by the registry
	EventType     string    // Classified event type
	ClientIP      string    // Webhook caller IP
	StartTime     time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for an ingress event
func NewLogContext(correlationID string) *LogContext {
	return &LogContext{
		CorrelationID: correlationID,
		StartTime:     time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithIdentity returns a copy with the identity set
func (lc *LogContext) WithIdentity(identity string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Identity = identity
	}
	return clone
}

// WithMessage returns a copy with message id and event type set
func (lc *LogContext) WithMessage(messageID, eventType string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.MessageID = messageID
		clone.EventType = eventType
	}
	return clone
}

// WithFlow returns a copy with the resolved flow name set
func (lc *LogContext) WithFlow(flow string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Flow = flow
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
