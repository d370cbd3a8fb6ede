// Package reaper implements the two-phase idle-session timeout protocol:
// warn after a first idle window, reset to INICIO after a second. Any user
// event between the phases clears the warning through the normal activity
// path, cancelling the close.
package reaper

import (
	"context"
	"time"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/internal/telemetry"
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/session/store"
)

// Config controls the sweep cadence and idle windows.
type Config struct {
	// Interval between sweeps. Default: 5m.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// WarningAfter is the idle time before the warning phase. Default: 25m.
	WarningAfter time.Duration `mapstructure:"warning_after" yaml:"warning_after"`

	// TimeoutAfter is the idle time before the close phase. Default: 30m.
	TimeoutAfter time.Duration `mapstructure:"timeout_after" yaml:"timeout_after"`

	// DedupRetention is how long processed-message records are kept. Must
	// exceed the provider's retry horizon. Default: 24h.
	DedupRetention time.Duration `mapstructure:"dedup_retention" yaml:"dedup_retention"`

	// WarningText and TimeoutText are the user-facing notices.
	WarningText string `mapstructure:"warning_text" yaml:"warning_text"`
	TimeoutText string `mapstructure:"timeout_text" yaml:"timeout_text"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.WarningAfter == 0 {
		c.WarningAfter = 25 * time.Minute
	}
	if c.TimeoutAfter == 0 {
		c.TimeoutAfter = 30 * time.Minute
	}
	if c.DedupRetention == 0 {
		c.DedupRetention = 24 * time.Hour
	}
	if c.WarningText == "" {
		c.WarningText = "¿Sigues ahí? Tu sesión se cerrará pronto por inactividad."
	}
	if c.TimeoutText == "" {
		c.TimeoutText = "Tu sesión se cerró por inactividad. Escríbeme cuando quieras retomar."
	}
}

// Observer receives sweep telemetry.
type Observer interface {
	SweepCompleted(warned, closed int, pruned int64)
}

// Reaper performs the periodic sweeps.
type Reaper struct {
	config   Config
	store    store.Store
	sender   flow.Sender
	observer Observer
}

// New creates a reaper. observer may be nil.
func New(config Config, st store.Store, sender flow.Sender, observer Observer) *Reaper {
	config.ApplyDefaults()
	return &Reaper{
		config:   config,
		store:    st,
		sender:   sender,
		observer: observer,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	logger.Info("session timeout reaper started",
		"interval", r.config.Interval.String(),
		"warning_after", r.config.WarningAfter.String(),
		"timeout_after", r.config.TimeoutAfter.String(),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("session timeout reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs both phases once plus dedup pruning. Per-session failures are
// logged and skipped; one unreachable user must not stall the sweep.
func (r *Reaper) Sweep(ctx context.Context) (warned, closed int) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanReaperSweep)
	defer span.End()

	var justWarned map[string]struct{}
	warned, justWarned = r.sweepWarnings(ctx)
	closed = r.sweepCloses(ctx, justWarned)

	pruned, err := r.store.PruneProcessedMessages(ctx, r.config.DedupRetention)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to prune processed messages", logger.Err(err))
	}

	if warned > 0 || closed > 0 || pruned > 0 {
		logger.InfoCtx(ctx, "reaper sweep completed",
			"warned", warned,
			"closed", closed,
			"pruned", pruned,
		)
	}
	if r.observer != nil {
		r.observer.SweepCompleted(warned, closed, pruned)
	}
	return warned, closed
}

// sweepWarnings is phase one: warn idle sessions, flagging them so phase
// two can find them. The message goes out before the flag flips; losing
// the flag write just means a second warning next sweep, which beats
// closing a session that was never warned. The returned set names the
// identities warned in this sweep.
func (r *Reaper) sweepWarnings(ctx context.Context) (int, map[string]struct{}) {
	sessions, err := r.store.NeedingWarning(ctx, r.config.WarningAfter)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to query sessions needing warning", logger.Err(err))
		return 0, nil
	}

	warned := 0
	justWarned := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		if err := r.sender.SendText(ctx, sess.Identity, r.config.WarningText); err != nil {
			logger.WarnCtx(ctx, "failed to send idle warning",
				logger.Identity(sess.Identity),
				logger.Err(err),
			)
			continue
		}
		if err := r.store.MarkWarningSent(ctx, sess.Identity); err != nil {
			logger.ErrorCtx(ctx, "failed to mark warning sent",
				logger.Identity(sess.Identity),
				logger.Err(err),
			)
			continue
		}
		warned++
		justWarned[sess.Identity] = struct{}{}
	}
	return warned, justWarned
}

// sweepCloses is phase two: reset warned sessions that stayed idle. A
// session warned by this very sweep is skipped so the user always gets a
// full sweep interval between the warning and the close.
func (r *Reaper) sweepCloses(ctx context.Context, justWarned map[string]struct{}) int {
	sessions, err := r.store.NeedingClose(ctx, r.config.TimeoutAfter)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to query sessions needing close", logger.Err(err))
		return 0
	}

	closed := 0
	for _, sess := range sessions {
		if _, skip := justWarned[sess.Identity]; skip {
			continue
		}
		if err := r.store.CloseByTimeout(ctx, sess.Identity); err != nil {
			logger.ErrorCtx(ctx, "failed to close idle session",
				logger.Identity(sess.Identity),
				logger.State(sess.State),
				logger.Err(err),
			)
			continue
		}
		closed++
		if err := r.sender.SendText(ctx, sess.Identity, r.config.TimeoutText); err != nil {
			logger.WarnCtx(ctx, "failed to send timeout notice",
				logger.Identity(sess.Identity),
				logger.Err(err),
			)
		}
	}
	return closed
}
