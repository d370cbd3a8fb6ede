package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that dashboards
// and log queries can correlate events end to end: webhook ingress,
// flow dispatch, background tasks, and outbound provider calls.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Ingress & Correlation
	// ========================================================================
	KeyCorrelationID = "correlation_id" // Per-ingress-event correlation id
	KeyMessageID     = "message_id"     // Provider message id (dedup key)
	KeyEventType     = "event_type"     // text, button, list, image, audio, location, status
	KeyClientIP      = "client_ip"      // Webhook caller IP

	// ========================================================================
	// Session & Flow
	// ========================================================================
	KeyIdentity = "identity" // End-user identity (normalized E.164 phone)
	KeyState    = "state"    // Session FSM state code
	KeyVersion  = "version"  // Session optimistic-lock version
	KeyFlow     = "flow"     // Flow name owning the current state
	KeyHandler  = "handler"  // Handler name invoked by the registry
	KeyButtonID = "button_id"
	KeyOrigin   = "origin" // Commit origin: ingress, worker, reaper, admin

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyResult     = "result"  // ok, error, rate_limited, duplicate, unhandled
	KeyAttempt    = "attempt" // Retry attempt number
	KeyMaxRetries = "max_retries"

	// ========================================================================
	// External Collaborators
	// ========================================================================
	KeyService  = "service"  // Outbound service name (provider, ocr, vision, s3)
	KeyMediaID  = "media_id" // Provider media id for image/audio payloads
	KeyMimeType = "mime_type"
	KeyBucket   = "bucket" // Media archive bucket
	KeyKey      = "key"    // Media archive object key
	KeyTask     = "task"   // Background task name

	// ========================================================================
	// Cache & Rate Limiting
	// ========================================================================
	KeyCacheHit = "cache_hit"
	KeyKind     = "kind" // Rate-limit kind: message, image, audio
	KeyEvicted  = "evicted"
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// CorrelationID returns a slog.Attr for the ingress correlation id
func CorrelationID(id string) slog.Attr {
	return slog.String(KeyCorrelationID, id)
}

// MessageID returns a slog.Attr for the provider message id
func MessageID(id string) slog.Attr {
	return slog.String(KeyMessageID, id)
}

// EventType returns a slog.Attr for the classified inbound event type
func EventType(t string) slog.Attr {
	return slog.String(KeyEventType, t)
}

// ClientIP returns a slog.Attr for the webhook caller IP
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Identity returns a slog.Attr for the end-user identity
func Identity(id string) slog.Attr {
	return slog.String(KeyIdentity, id)
}

// State returns a slog.Attr for the session state code
func State(code string) slog.Attr {
	return slog.String(KeyState, code)
}

// Version returns a slog.Attr for the session version
func Version(v int64) slog.Attr {
	return slog.Int64(KeyVersion, v)
}

// Flow returns a slog.Attr for the flow name
func Flow(name string) slog.Attr {
	return slog.String(KeyFlow, name)
}

// HandlerName returns a slog.Attr for the handler name
func HandlerName(name string) slog.Attr {
	return slog.String(KeyHandler, name)
}

// ButtonID returns a slog.Attr for an interactive button id
func ButtonID(id string) slog.Attr {
	return slog.String(KeyButtonID, id)
}

// Origin returns a slog.Attr for the commit origin
func Origin(o string) slog.Attr {
	return slog.String(KeyOrigin, o)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Result returns a slog.Attr for the dispatch outcome
func Result(r string) slog.Attr {
	return slog.String(KeyResult, r)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// Service returns a slog.Attr for an outbound service name
func Service(name string) slog.Attr {
	return slog.String(KeyService, name)
}

// MediaID returns a slog.Attr for a provider media id
func MediaID(id string) slog.Attr {
	return slog.String(KeyMediaID, id)
}

// MimeType returns a slog.Attr for a media MIME type
func MimeType(mt string) slog.Attr {
	return slog.String(KeyMimeType, mt)
}

// Bucket returns a slog.Attr for the media archive bucket
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key in the media archive
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Task returns a slog.Attr for a background task name
func Task(name string) slog.Attr {
	return slog.String(KeyTask, name)
}

// CacheHit returns a slog.Attr for a cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// Kind returns a slog.Attr for a rate-limit kind
func Kind(k string) slog.Attr {
	return slog.String(KeyKind, k)
}

// Evicted returns a slog.Attr for number of entries evicted
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}
