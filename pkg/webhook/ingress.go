package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/internal/telemetry"
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/ratelimit"
	"github.com/rmedina/waflow/pkg/retry"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
	"github.com/rmedina/waflow/pkg/worker"
)

// Observer receives ingress telemetry. All methods may be called
// concurrently.
type Observer interface {
	WebhookRequest(eventType string, status int, elapsed time.Duration)
	RateLimitDenied(kind, reason string)
	DuplicateEvent()
	DeadLetterStored()
	TaskRejected()
}

// Deps are the ingress pipeline's collaborators. Observer may be nil.
type Deps struct {
	Store      store.Store
	Limiter    *ratelimit.Limiter
	Manager    *flow.Manager
	Sender     flow.Sender
	Pool       *worker.Pool
	Enrichment worker.EnrichmentDeps
	Observer   Observer

	// Retry is the concurrency-retry budget applied around dispatch.
	Retry retry.Options

	// OCRFields are the field names image enrichment extracts toward.
	OCRFields []string
}

// Ingress turns verified webhook payloads into dispatched events.
//
// The dedup claim is the at-most-once linearization point: once a message id
// is claimed, this process owns it and every later failure is parked in the
// dead letter queue instead of surfacing to the provider, which would retry
// and re-deliver work we cannot run twice.
type Ingress struct {
	config Config
	deps   Deps
}

// NewIngress builds the pipeline.
func NewIngress(config Config, deps Deps) *Ingress {
	config.ApplyDefaults()
	return &Ingress{config: config, deps: deps}
}

// Process walks every message in the payload. Always returns cleanly; errors
// end up in the DLQ.
func (i *Ingress) Process(ctx context.Context, payload *Payload, raw []byte) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for idx := range change.Value.Messages {
				msg := &change.Value.Messages[idx]
				i.processMessage(ctx, msg, contactName(change.Value.Contacts, msg.From), raw)
			}
			if n := len(change.Value.Statuses); n > 0 {
				logger.DebugCtx(ctx, "ignoring delivery statuses", "count", n)
			}
		}
	}
}

func (i *Ingress) processMessage(parent context.Context, msg *Message, name string, raw []byte) {
	start := time.Now()
	correlationID := uuid.NewString()
	identity := msg.From

	ev := Classify(msg)
	ctx, cancel := context.WithTimeout(parent, i.config.RequestTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, logger.NewLogContext(correlationID).
		WithIdentity(identity).
		WithMessage(msg.ID, string(ev.Type)))

	ctx, span := telemetry.StartIngressSpan(ctx, correlationID, string(ev.Type),
		telemetry.Identity(identity),
		telemetry.MessageID(msg.ID),
	)
	defer span.End()

	defer func() {
		if i.deps.Observer != nil {
			i.deps.Observer.WebhookRequest(string(ev.Type), 200, time.Since(start))
		}
	}()

	// Dedup claim first: a provider redelivery of any message, including
	// kinds we cannot handle, must terminate here.
	claim, err := i.deps.Store.ClaimMessage(ctx, msg.ID, identity)
	if err != nil {
		i.sink(ctx, raw, fmt.Errorf("failed to claim message: %w", err))
		return
	}
	if claim.IsDuplicate {
		logger.DebugCtx(ctx, "duplicate message dropped", "retry_count", claim.RetryCount)
		if i.deps.Observer != nil {
			i.deps.Observer.DuplicateEvent()
		}
		return
	}

	if ev.Type == flow.EventUnknown {
		logger.InfoCtx(ctx, "unsupported message type ignored", "provider_type", msg.Type)
		return
	}

	if name != "" {
		go i.updateContactName(identity, name)
	}

	if !i.admit(ctx, identity, ev) {
		return
	}

	if err := i.deps.Store.TouchActivity(ctx, identity); err != nil {
		logger.WarnCtx(ctx, "failed to touch activity", logger.Err(err))
	}

	if err := i.dispatch(ctx, identity, ev, correlationID); err != nil {
		i.sink(ctx, raw, err)
	}
}

// admit applies the rate limiter and spam detector. Denied events consume no
// budget; allowed ones are recorded into the spam window.
func (i *Ingress) admit(ctx context.Context, identity string, ev *flow.Event) bool {
	kind := limitKind(ev.Type)
	decision := i.deps.Limiter.Check(ctx, identity, kind)
	if !decision.Allowed {
		logger.InfoCtx(ctx, "event rate limited",
			logger.Kind(string(kind)),
			"reason", decision.Reason,
		)
		if i.deps.Observer != nil {
			i.deps.Observer.RateLimitDenied(string(kind), decision.Reason)
		}
		if err := i.deps.Sender.SendText(ctx, identity, i.config.RateLimitNotice); err != nil {
			logger.WarnCtx(ctx, "failed to send rate limit notice", logger.Err(err))
		}
		return false
	}

	i.deps.Limiter.Record(identity, kind)
	if i.deps.Limiter.IsSpamming(identity) {
		logger.WarnCtx(ctx, "spam burst detected, event dropped")
		return false
	}
	return true
}

// dispatch routes one admitted event. Terminal sessions reactivate first,
// except for button ids the active flows still own after completion.
//
// The whole route runs under the fresh-read retry loop: a version conflict
// from reactivation or a handler commit means another writer won, and the
// next attempt replays against the winner's session. Handlers are
// replay-safe, so only the budget-exhausted error reaches the caller.
func (i *Ingress) dispatch(ctx context.Context, identity string, ev *flow.Event, correlationID string) error {
	return retry.WithSession(ctx, i.deps.Store, identity, func(sess *session.Session) error {
		passthrough := (ev.Type == flow.EventButton || ev.Type == flow.EventList) &&
			i.deps.Manager.IsPassthroughButton(ev.ButtonID)
		if session.IsTerminal(sess.State) && sess.State != session.StateInicio && !passthrough {
			if err := i.deps.Manager.ReactivateIfTerminal(ctx, sess, "ingress"); err != nil {
				return err
			}
		}

		switch ev.Type {
		case flow.EventButton, flow.EventList:
			handled, err := i.deps.Manager.DispatchButton(ctx, ev.ButtonID, ev, sess, correlationID)
			if err != nil {
				return err
			}
			if !handled {
				logger.InfoCtx(ctx, "button not handled", logger.ButtonID(ev.ButtonID), logger.State(sess.State))
			}
			return nil

		case flow.EventImage:
			if i.deps.Enrichment.OCR == nil {
				// No model client deployed: images cannot be analyzed.
				logger.WarnCtx(ctx, "image received but no OCR client configured")
				return i.deps.Sender.SendText(ctx, identity, i.config.FallbackText)
			}
			return i.submitEnrichment(ctx, identity,
				worker.NewOCRTask(i.deps.Enrichment, worker.OCRRequest{
					Identity:       identity,
					MediaID:        ev.MediaID,
					MimeType:       ev.MimeType,
					CorrelationID:  correlationID,
					RequiredFields: i.deps.OCRFields,
				}))

		case flow.EventAudio:
			return i.deps.Sender.SendText(ctx, identity, i.config.AudioNotice)

		default: // text, location
			handled, err := i.deps.Manager.DispatchMessage(ctx, ev, sess, correlationID)
			if err != nil {
				return err
			}
			if !handled {
				return i.deps.Sender.SendText(ctx, identity, i.config.FallbackText)
			}
			return nil
		}
	}, i.deps.Retry)
}

func (i *Ingress) submitEnrichment(ctx context.Context, identity string, task worker.Task) error {
	if i.deps.Pool.TrySubmit(task) {
		return nil
	}
	if i.deps.Observer != nil {
		i.deps.Observer.TaskRejected()
	}
	return i.deps.Sender.SendText(ctx, identity, i.config.BusyNotice)
}

// Replay re-runs a parked payload through dispatch, skipping the dedup
// claim and rate limiter: the operator decided this event must run.
func (i *Ingress) Replay(ctx context.Context, raw []byte) error {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to decode dead letter payload: %w", err)
	}

	var firstErr error
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for idx := range change.Value.Messages {
				msg := &change.Value.Messages[idx]
				ev := Classify(msg)
				if ev.Type == flow.EventUnknown {
					continue
				}

				correlationID := uuid.NewString()
				mctx, cancel := context.WithTimeout(ctx, i.config.RequestTimeout)
				mctx = logger.WithContext(mctx, logger.NewLogContext(correlationID).
					WithIdentity(msg.From).
					WithMessage(msg.ID, string(ev.Type)))
				err := i.dispatch(mctx, msg.From, ev, correlationID)
				cancel()
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// sink parks the raw payload in the DLQ. The provider still gets a 200; a
// retry from its side would only duplicate work the claim already owns.
func (i *Ingress) sink(ctx context.Context, raw []byte, cause error) {
	telemetry.RecordError(ctx, cause)
	logger.ErrorCtx(ctx, "event processing failed, parking in dead letter queue",
		logger.Err(cause),
	)
	id, err := i.deps.Store.InsertDeadLetter(ctx, string(raw), cause.Error())
	if err != nil {
		logger.ErrorCtx(ctx, "failed to insert dead letter", logger.Err(err))
		return
	}
	logger.InfoCtx(ctx, "dead letter stored", "dead_letter_id", id)
	if i.deps.Observer != nil {
		i.deps.Observer.DeadLetterStored()
	}
}

// updateContactName refreshes the display name off the request path.
func (i *Ingress) updateContactName(identity, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.deps.Store.UpdateContactName(ctx, identity, name); err != nil {
		logger.Warn("failed to update contact name",
			logger.Identity(identity),
			logger.Err(err),
		)
	}
}

func limitKind(t flow.EventType) ratelimit.Kind {
	switch t {
	case flow.EventImage:
		return ratelimit.KindImage
	case flow.EventAudio:
		return ratelimit.KindAudio
	default:
		return ratelimit.KindMessage
	}
}
