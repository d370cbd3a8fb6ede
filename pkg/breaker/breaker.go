// Package breaker guards outbound service calls with a circuit breaker.
//
// Each external dependency (messaging provider, model services) gets its own
// breaker. A run of consecutive failures opens the circuit; after the
// cooldown one probe is admitted, and its outcome decides whether the
// circuit closes again.
package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rmedina/waflow/internal/logger"
)

// Config controls when a breaker trips and how long it stays open.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// Cooldown is how long the circuit stays open before admitting a
	// probe. Default: 30s.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
}

// ExternalServiceError reports a failed or short-circuited outbound call.
// Callers match it to decide between DLQ capture and user-facing fallback.
type ExternalServiceError struct {
	Service string
	Reason  string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("external service %s unavailable (%s): %v", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("external service %s unavailable: %s", e.Service, e.Reason)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsExternalServiceError reports whether err is an ExternalServiceError.
func IsExternalServiceError(err error) bool {
	var ese *ExternalServiceError
	return errors.As(err, &ese)
}

// Breaker wraps one outbound service with circuit-breaker semantics.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a breaker for the named service.
func New(name string, config Config) *Breaker {
	config.ApplyDefaults()

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe in half-open
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				logger.Service(name),
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	return &Breaker{
		name: name,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// CanExecute reports whether a call would currently be admitted. When the
// circuit is open it returns an ExternalServiceError so callers can
// short-circuit before doing any request work.
func (b *Breaker) CanExecute() error {
	if b.cb.State() == gobreaker.StateOpen {
		return &ExternalServiceError{Service: b.name, Reason: "circuit open"}
	}
	return nil
}

// Execute runs op under the breaker, recording its outcome. Rejections from
// an open or saturated half-open circuit surface as ExternalServiceError;
// op's own errors pass through unchanged.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ExternalServiceError{Service: b.name, Reason: "circuit open", Err: err}
	}
	return err
}

// State returns the current breaker state as a string (closed, half-open,
// open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Name returns the guarded service name.
func (b *Breaker) Name() string {
	return b.name
}
