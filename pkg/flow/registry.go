package flow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/internal/telemetry"
	"github.com/rmedina/waflow/pkg/session"
)

// Registry indexes registered flows by state code and button id and invokes
// the bound handlers.
//
// Registrations happen at startup; runtime lookups take a read lock only.
// State ownership partitions across flows: registering a flow whose state
// or button id is already claimed fails without side effects.
type Registry struct {
	mu      sync.RWMutex
	flows   map[string]*Flow
	states  map[string]*Flow
	buttons map[string]buttonEntry

	deps Dependencies
}

type buttonEntry struct {
	flow    *Flow
	binding ButtonBinding
}

// NewRegistry creates an empty registry with the given handler dependencies.
func NewRegistry(deps Dependencies) *Registry {
	return &Registry{
		flows:   make(map[string]*Flow),
		states:  make(map[string]*Flow),
		buttons: make(map[string]buttonEntry),
		deps:    deps,
	}
}

// Register validates the flow and indexes its states and buttons.
// Registration is all-or-nothing.
func (r *Registry) Register(f *Flow) error {
	if err := f.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[f.Name]; exists {
		return fmt.Errorf("%w: %s", ErrFlowAlreadyRegistered, f.Name)
	}
	for _, state := range f.States {
		if owner, taken := r.states[state]; taken {
			return fmt.Errorf("%w: state %s owned by %s", ErrDuplicateState, state, owner.Name)
		}
	}
	for buttonID := range f.Buttons {
		if entry, taken := r.buttons[buttonID]; taken {
			return fmt.Errorf("%w: button %s bound by %s", ErrDuplicateButton, buttonID, entry.flow.Name)
		}
	}

	r.flows[f.Name] = f
	for _, state := range f.States {
		r.states[state] = f
	}
	for buttonID, binding := range f.Buttons {
		r.buttons[buttonID] = buttonEntry{flow: f, binding: binding}
	}

	logger.Info("flow registered",
		logger.Flow(f.Name),
		"states", len(f.States),
		"buttons", len(f.Buttons),
	)
	return nil
}

// Deregister removes a flow and both of its indices.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, exists := r.flows[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, name)
	}

	delete(r.flows, name)
	for _, state := range f.States {
		delete(r.states, state)
	}
	for buttonID := range f.Buttons {
		delete(r.buttons, buttonID)
	}
	return nil
}

// HasHandlerForState reports whether any flow owns the state.
func (r *Registry) HasHandlerForState(state string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.states[state]
	if !ok {
		return false
	}
	_, bound := f.Handlers[state]
	return bound
}

// LookupButton resolves a button id to its binding.
func (r *Registry) LookupButton(buttonID string) (ButtonBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.buttons[buttonID]
	if !ok {
		return ButtonBinding{}, false
	}
	return entry.binding, true
}

// Flows returns the names of all registered flows.
func (r *Registry) Flows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	return names
}

// DispatchMessage routes a non-button event to the handler owning the
// session's state. Returns false when no flow claims the state; handler
// errors, including translated panics, surface to the caller with
// ConcurrencyError passing through unchanged for the retry engine.
func (r *Registry) DispatchMessage(ctx context.Context, ev *Event, sess *session.Session, correlationID string) (bool, error) {
	r.mu.RLock()
	f, ok := r.states[sess.State]
	var handlerName string
	if ok {
		handlerName, ok = f.Handlers[sess.State]
	}
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, r.invoke(ctx, f, handlerName, nil, ev, sess, correlationID)
}

// DispatchButton routes an interactive reply to the flow that bound the
// button id. Returns false when no flow claims the id.
func (r *Registry) DispatchButton(ctx context.Context, buttonID string, ev *Event, sess *session.Session, correlationID string) (bool, error) {
	r.mu.RLock()
	entry, ok := r.buttons[buttonID]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, r.invoke(ctx, entry.flow, entry.binding.Handler, entry.binding.Params, ev, sess, correlationID)
}

// invoke runs one handler with a fresh context, translating panics and
// recording the dispatch outcome.
func (r *Registry) invoke(ctx context.Context, f *Flow, handlerName string, params map[string]any, ev *Event, sess *session.Session, correlationID string) (err error) {
	fn := f.Callables[handlerName]

	ctx, span := telemetry.StartDispatchSpan(ctx, f.Name, handlerName)
	defer span.End()

	c := NewContext(ctx, sess, correlationID, r.deps)
	c.FlowName = f.Name
	c.HandlerName = handlerName
	c.Params = params

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerPanicError{
				Flow:    f.Name,
				Handler: handlerName,
				Value:   rec,
				Stack:   debug.Stack(),
			}
		}

		elapsed := time.Since(start)
		result := dispatchResult(err)
		if r.deps.Observer != nil {
			r.deps.Observer.DispatchObserved(f.Name, handlerName, result, elapsed)
		}

		switch result {
		case "ok", "conflict":
			logger.DebugCtx(ctx, "handler finished",
				logger.Flow(f.Name),
				logger.HandlerName(handlerName),
				logger.Result(result),
				logger.DurationMs(float64(elapsed.Milliseconds())),
			)
		default:
			telemetry.RecordError(ctx, err)
			logger.ErrorCtx(ctx, "handler failed",
				logger.Flow(f.Name),
				logger.HandlerName(handlerName),
				logger.Result(result),
				logger.DurationMs(float64(elapsed.Milliseconds())),
				logger.Err(err),
			)
		}
	}()

	return fn(c, ev)
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case session.IsConcurrencyError(err):
		return "conflict"
	case IsHandlerPanic(err):
		return "panic"
	default:
		return "error"
	}
}
