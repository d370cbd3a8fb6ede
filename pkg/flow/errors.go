package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrFlowNameRequired is returned when registering a flow without a name.
	ErrFlowNameRequired = errors.New("flow name is required")

	// ErrFlowAlreadyRegistered is returned when a flow name is registered twice.
	ErrFlowAlreadyRegistered = errors.New("flow already registered")

	// ErrFlowNotFound is returned when deregistering an unknown flow.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrDuplicateState is returned when two flows claim the same state code.
	ErrDuplicateState = errors.New("state already owned by another flow")

	// ErrDuplicateButton is returned when two flows bind the same button id.
	ErrDuplicateButton = errors.New("button already bound by another flow")

	// ErrUnknownHandler is returned when a flow references a handler name
	// with no matching callable.
	ErrUnknownHandler = errors.New("handler has no callable")
)

// HandlerPanicError wraps a panic raised inside a flow handler. The registry
// translates panics to this error so one misbehaving handler cannot take
// down the ingress worker.
type HandlerPanicError struct {
	Flow    string
	Handler string
	Value   any
	Stack   []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler %s.%s panicked: %v", e.Flow, e.Handler, e.Value)
}

// IsHandlerPanic reports whether err wraps a handler panic.
func IsHandlerPanic(err error) bool {
	var hpe *HandlerPanicError
	return errors.As(err, &hpe)
}
