// Package ratelimit enforces per-user request budgets across time windows.
//
// The preferred backend is a distributed counter in Redis, so budgets hold
// across replicas. When Redis is unreachable the limiter degrades to a
// per-process token bucket and logs the degradation; an event is never
// dropped purely because the backend failed.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/rmedina/waflow/internal/logger"
)

// Kind classifies a rate-limited event. Each kind carries its own budgets.
type Kind string

const (
	KindMessage Kind = "message"
	KindImage   Kind = "image"
	KindAudio   Kind = "audio"
)

// Budget is a per-minute plus per-hour allowance.
type Budget struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	PerHour   int `mapstructure:"per_hour" yaml:"per_hour"`
}

// SpamConfig bounds event frequency inside a short sliding window,
// independent of the kind budgets.
type SpamConfig struct {
	// Window is the sliding window length. Default: 10s.
	Window time.Duration `mapstructure:"window" yaml:"window"`

	// MaxInWindow is the event cap inside the window. The default sits above
	// every per-kind minute budget so spam detection only catches bursts the
	// budgets cannot, never events the budgets would allow. Default: 20.
	MaxInWindow int `mapstructure:"max_in_window" yaml:"max_in_window"`
}

// Config contains the per-kind budgets and spam detection settings.
type Config struct {
	Message Budget     `mapstructure:"message" yaml:"message"`
	Image   Budget     `mapstructure:"image" yaml:"image"`
	Audio   Budget     `mapstructure:"audio" yaml:"audio"`
	Spam    SpamConfig `mapstructure:"spam" yaml:"spam"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Message.PerMinute == 0 {
		c.Message.PerMinute = 10
	}
	if c.Message.PerHour == 0 {
		c.Message.PerHour = 100
	}
	if c.Image.PerMinute == 0 {
		c.Image.PerMinute = 5
	}
	if c.Image.PerHour == 0 {
		c.Image.PerHour = 30
	}
	if c.Audio.PerMinute == 0 {
		c.Audio.PerMinute = 5
	}
	if c.Audio.PerHour == 0 {
		c.Audio.PerHour = 30
	}
	if c.Spam.Window == 0 {
		c.Spam.Window = 10 * time.Second
	}
	if c.Spam.MaxInWindow == 0 {
		c.Spam.MaxInWindow = 20
	}
}

func (c Config) budget(kind Kind) Budget {
	switch kind {
	case KindImage:
		return c.Image
	case KindAudio:
		return c.Audio
	default:
		return c.Message
	}
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool
	Reason  string // minute_budget or hour_budget when denied
}

// Limiter is the two-tier rate limiter.
type Limiter struct {
	config Config
	rdb    redis.UniversalClient

	// local token buckets keyed by identity:kind, used while degraded.
	local *expirable.LRU[string, *rate.Limiter]

	mu           sync.Mutex
	spam         map[string][]time.Time
	lastDegraded time.Time
}

// New creates a limiter. rdb may be nil to run purely on local buckets
// (single-instance deployments).
func New(config Config, rdb redis.UniversalClient) *Limiter {
	config.ApplyDefaults()
	return &Limiter{
		config: config,
		rdb:    rdb,
		local:  expirable.NewLRU[string, *rate.Limiter](10000, nil, 2*time.Hour),
		spam:   make(map[string][]time.Time),
	}
}

// Status is a point-in-time view of one identity's standing, served by the
// admin API.
type Status struct {
	Identity      string `json:"identity"`
	EventsInSpam  int    `json:"events_in_spam_window"`
	Spamming      bool   `json:"spamming"`
	MessageBudget Budget `json:"message_budget"`
	ImageBudget   Budget `json:"image_budget"`
	AudioBudget   Budget `json:"audio_budget"`
}

// Status reports the identity's current spam-window standing and the active
// budgets. Counter positions live in Redis windows and are not exposed.
func (l *Limiter) Status(identity string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.config.Spam.Window)
	count := 0
	for _, ts := range l.spam[identity] {
		if ts.After(cutoff) {
			count++
		}
	}

	return Status{
		Identity:      identity,
		EventsInSpam:  count,
		Spamming:      count > l.config.Spam.MaxInWindow,
		MessageBudget: l.config.Message,
		ImageBudget:   l.config.Image,
		AudioBudget:   l.config.Audio,
	}
}

// UpdateConfig swaps the budgets at runtime, used by the config hot-reload
// watcher. Local buckets are rebuilt lazily under the new budgets.
func (l *Limiter) UpdateConfig(config Config) {
	config.ApplyDefaults()
	l.mu.Lock()
	l.config = config
	l.mu.Unlock()
	l.local.Purge()
}

func (l *Limiter) snapshot() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Check consumes one unit of budget for identity and kind and reports
// whether the event is allowed. Non-blocking; a Redis failure falls back to
// the local bucket instead of denying.
func (l *Limiter) Check(ctx context.Context, identity string, kind Kind) Decision {
	budget := l.snapshot().budget(kind)

	if l.rdb != nil {
		decision, err := l.checkDistributed(ctx, identity, kind, budget)
		if err == nil {
			return decision
		}
		l.logDegraded(err)
	}

	return l.checkLocal(identity, kind, budget)
}

// checkDistributed runs fixed-window counters in Redis. The minute and hour
// windows increment in one pipeline round trip; TTLs are set on first use
// of each window.
func (l *Limiter) checkDistributed(ctx context.Context, identity string, kind Kind, budget Budget) (Decision, error) {
	now := time.Now().UTC()
	minuteKey := fmt.Sprintf("rl:%s:%s:m:%d", identity, kind, now.Unix()/60)
	hourKey := fmt.Sprintf("rl:%s:%s:h:%d", identity, kind, now.Unix()/3600)

	pipe := l.rdb.Pipeline()
	minuteIncr := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	hourIncr := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	if minuteIncr.Val() > int64(budget.PerMinute) {
		l.refund(ctx, minuteKey, hourKey)
		return Decision{Reason: "minute_budget"}, nil
	}
	if hourIncr.Val() > int64(budget.PerHour) {
		l.refund(ctx, minuteKey, hourKey)
		return Decision{Reason: "hour_budget"}, nil
	}
	return Decision{Allowed: true}, nil
}

// refund backs out the window increments for a denied request. Only allowed
// requests consume budget; without this a burst of minute-level denials
// would exhaust the hour window too.
func (l *Limiter) refund(ctx context.Context, keys ...string) {
	pipe := l.rdb.Pipeline()
	for _, key := range keys {
		pipe.Decr(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("failed to refund denied rate limit increments", logger.Err(err))
	}
}

// checkLocal consumes from the per-process token bucket. The bucket refills
// at the per-minute rate with a burst of one minute's budget, which keeps
// sustained throughput within budget even though it cannot see other
// replicas.
func (l *Limiter) checkLocal(identity string, kind Kind, budget Budget) Decision {
	key := identity + ":" + string(kind)
	limiter, ok := l.local.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(budget.PerMinute)/60.0), budget.PerMinute)
		l.local.Add(key, limiter)
	}
	if !limiter.Allow() {
		return Decision{Reason: "minute_budget"}
	}
	return Decision{Allowed: true}
}

// Record registers an allowed event for spam detection. Callers invoke it
// only after Check allowed the event.
func (l *Limiter) Record(identity string, _ Kind) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.config.Spam.Window)

	window := l.spam[identity]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.spam[identity] = append(kept, now)

	// Bound the map: drop identities whose whole window has expired.
	if len(l.spam) > 10000 {
		for id, w := range l.spam {
			if len(w) == 0 || !w[len(w)-1].After(cutoff) {
				delete(l.spam, id)
			}
		}
	}
}

// IsSpamming reports whether identity exceeded the sliding-window cap.
func (l *Limiter) IsSpamming(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.config.Spam.Window)

	count := 0
	for _, ts := range l.spam[identity] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count > l.config.Spam.MaxInWindow
}

// logDegraded reports fallback to local limiting, throttled to once per
// thirty seconds so a Redis outage does not flood the logs.
func (l *Limiter) logDegraded(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastDegraded) < 30*time.Second {
		return
	}
	l.lastDegraded = time.Now()
	logger.Warn("rate limiter degraded to local buckets",
		logger.Service("redis"),
		logger.Err(err),
	)
}
