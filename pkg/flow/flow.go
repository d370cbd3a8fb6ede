// Package flow implements the conversational engine core: flow definitions,
// the state/button registry, the dependency-injected handler context, and
// the dispatcher that routes inbound events to handlers.
//
// A flow is data, not a type hierarchy: a name, the set of states it owns,
// a button map, a state-to-handler map, and the handler callables. The
// registry indexes registered flows by state and button id and invokes
// handlers by name. Transitions between flows happen purely through the
// session state code; flows never reference each other.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/session/store"
)

// HandlerFunc is the shape of every flow handler. The context carries the
// session snapshot, reply helpers, and state mutation; the event carries
// the classified inbound payload.
type HandlerFunc func(c *Context, ev *Event) error

// ButtonBinding maps a button id to a handler, optionally with static
// parameters the handler receives through Context.Params.
type ButtonBinding struct {
	Handler string
	Params  map[string]any
}

// Flow is one registered conversational workflow.
type Flow struct {
	// Name identifies the flow in logs and metrics.
	Name string

	// States are the FSM state codes this flow owns. State ownership
	// partitions across all registered flows.
	States []string

	// Buttons maps interactive button ids to handler bindings. Button ids
	// are global, so flows must not collide.
	Buttons map[string]ButtonBinding

	// Handlers maps each owned state to the handler name invoked for
	// non-button events arriving in that state.
	Handlers map[string]string

	// Callables resolves handler names to functions.
	Callables map[string]HandlerFunc
}

// validate checks internal consistency before registration.
func (f *Flow) validate() error {
	if f.Name == "" {
		return ErrFlowNameRequired
	}

	owned := make(map[string]bool, len(f.States))
	for _, s := range f.States {
		owned[s] = true
	}

	for state, handler := range f.Handlers {
		if !owned[state] {
			return fmt.Errorf("flow %s: handler state %s not in owned states", f.Name, state)
		}
		if _, ok := f.Callables[handler]; !ok {
			return fmt.Errorf("flow %s: state %s: %w: %s", f.Name, state, ErrUnknownHandler, handler)
		}
	}

	for buttonID, binding := range f.Buttons {
		if _, ok := f.Callables[binding.Handler]; !ok {
			return fmt.Errorf("flow %s: button %s: %w: %s", f.Name, buttonID, ErrUnknownHandler, binding.Handler)
		}
	}

	return nil
}

// Sender is the outbound messaging surface handlers reach through the
// context. provider.Client satisfies it.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, buttons []provider.Button) error
	SendList(ctx context.Context, to, body, buttonLabel string, sections []provider.ListSection) error
}

// Observer receives dispatch telemetry. Results are ok, conflict, error, or
// panic.
type Observer interface {
	DispatchObserved(flow, handler, result string, elapsed time.Duration)
}

// Equipment is a domain entity a flow can attach a session to.
type Equipment struct {
	ID       string
	Code     string
	Name     string
	Location string
}

// EquipmentDirectory resolves equipment codes entered by users. Backed by
// an external system; injected so flows stay testable.
type EquipmentDirectory interface {
	FindByCode(ctx context.Context, code string) (*Equipment, error)
}

// Dependencies carries the collaborators injected into every handler
// context. Observer and Directory may be nil.
type Dependencies struct {
	Store     store.Store
	Sender    Sender
	Observer  Observer
	Directory EquipmentDirectory
}
