package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for engine operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Engine-specific keys use the "waflow." prefix.
const (
	// ========================================================================
	// Ingress attributes
	// ========================================================================
	AttrCorrelationID = "waflow.correlation_id"
	AttrMessageID     = "waflow.message_id"
	AttrEventType     = "waflow.event_type" // text, button, list, image, audio, location
	AttrClientIP      = "client.ip"

	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrIdentity = "waflow.identity"
	AttrState    = "waflow.state"
	AttrVersion  = "waflow.version"
	AttrOrigin   = "waflow.origin" // ingress, worker, reaper, admin_api

	// ========================================================================
	// Dispatch attributes
	// ========================================================================
	AttrFlow     = "waflow.flow"
	AttrHandler  = "waflow.handler"
	AttrButtonID = "waflow.button_id"
	AttrResult   = "waflow.result" // ok, conflict, error, unhandled
	AttrAttempt  = "waflow.attempt"

	// ========================================================================
	// Background task attributes
	// ========================================================================
	AttrTask     = "waflow.task"
	AttrMediaID  = "waflow.media_id"
	AttrMimeType = "waflow.mime_type"

	// ========================================================================
	// Outbound collaborator attributes
	// ========================================================================
	AttrService = "peer.service" // provider, ocr, vision, s3, redis
	AttrBucket  = "storage.bucket"
	AttrKey     = "storage.key"

	// ========================================================================
	// Cache & rate-limit attributes
	// ========================================================================
	AttrCacheHit      = "cache.hit"
	AttrRateLimitKind = "waflow.rate_limit.kind"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Root span for one inbound webhook message
	SpanIngressMessage = "ingress.message"

	SpanIngressClaim    = "ingress.claim"
	SpanIngressDispatch = "ingress.dispatch"

	// Flow dispatch spans
	SpanDispatchMessage = "flow.dispatch_message"
	SpanDispatchButton  = "flow.dispatch_button"

	// Session store spans
	SpanSessionLoad   = "session.load"
	SpanSessionCommit = "session.commit"

	// Background tasks
	SpanTaskOCR    = "task.ocr"
	SpanTaskVision = "task.vision"

	// Outbound calls
	SpanProviderSend  = "provider.send"
	SpanMediaDownload = "provider.media_download"
	SpanArchivePut    = "archive.put"

	// Maintenance
	SpanReaperSweep = "reaper.sweep"
)

// ============================================================================
// Attribute constructors
// ============================================================================

// CorrelationID returns the per-event correlation attribute.
func CorrelationID(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// MessageID returns the provider message id attribute.
func MessageID(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

// EventType returns the classified event type attribute.
func EventType(t string) attribute.KeyValue {
	return attribute.String(AttrEventType, t)
}

// ClientIP returns the webhook caller attribute.
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// Identity returns the end-user identity attribute.
func Identity(id string) attribute.KeyValue {
	return attribute.String(AttrIdentity, id)
}

// State returns the session state attribute.
func State(code string) attribute.KeyValue {
	return attribute.String(AttrState, code)
}

// Version returns the session version attribute.
func Version(v int64) attribute.KeyValue {
	return attribute.Int64(AttrVersion, v)
}

// Origin returns the commit origin attribute.
func Origin(o string) attribute.KeyValue {
	return attribute.String(AttrOrigin, o)
}

// Flow returns the flow name attribute.
func Flow(name string) attribute.KeyValue {
	return attribute.String(AttrFlow, name)
}

// Handler returns the handler name attribute.
func Handler(name string) attribute.KeyValue {
	return attribute.String(AttrHandler, name)
}

// ButtonID returns the interactive button attribute.
func ButtonID(id string) attribute.KeyValue {
	return attribute.String(AttrButtonID, id)
}

// Result returns the dispatch result attribute.
func Result(r string) attribute.KeyValue {
	return attribute.String(AttrResult, r)
}

// Attempt returns the retry attempt attribute.
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// Task returns the background task name attribute.
func Task(name string) attribute.KeyValue {
	return attribute.String(AttrTask, name)
}

// MediaID returns the provider media id attribute.
func MediaID(id string) attribute.KeyValue {
	return attribute.String(AttrMediaID, id)
}

// MimeType returns the media mime type attribute.
func MimeType(mt string) attribute.KeyValue {
	return attribute.String(AttrMimeType, mt)
}

// Service returns the outbound collaborator attribute.
func Service(name string) attribute.KeyValue {
	return attribute.String(AttrService, name)
}

// Bucket returns the archive bucket attribute.
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns the archive object key attribute.
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// CacheHit returns the session cache attribute.
func CacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrCacheHit, hit)
}

// RateLimitKind returns the rate-limit kind attribute.
func RateLimitKind(kind string) attribute.KeyValue {
	return attribute.String(AttrRateLimitKind, kind)
}

// ============================================================================
// Span helpers
// ============================================================================

// StartIngressSpan starts the root span for one inbound message.
func StartIngressSpan(ctx context.Context, correlationID, eventType string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		CorrelationID(correlationID),
		EventType(eventType),
	}, attrs...)
	return StartSpan(ctx, SpanIngressMessage, trace.WithAttributes(all...))
}

// StartDispatchSpan starts a span for one handler invocation.
func StartDispatchSpan(ctx context.Context, flow, handler string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		Flow(flow),
		Handler(handler),
	}, attrs...)
	return StartSpan(ctx, SpanDispatchMessage, trace.WithAttributes(all...))
}

// StartTaskSpan starts a span for a background enrichment task.
func StartTaskSpan(ctx context.Context, name, identity string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		Task(name),
		Identity(identity),
	}, attrs...)
	return StartSpan(ctx, "task."+name, trace.WithAttributes(all...))
}

// StartProviderSpan starts a span for an outbound provider call.
func StartProviderSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Service("provider")}, attrs...)
	return StartSpan(ctx, "provider."+operation, trace.WithAttributes(all...))
}
