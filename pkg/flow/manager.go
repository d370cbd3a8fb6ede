package flow

import (
	"context"
	"strings"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

// ManagerConfig carries the few behavioral knobs the dispatcher owns.
// Everything else is flow-owned.
type ManagerConfig struct {
	// AgentTakeoverState is the sentinel state meaning a human agent holds
	// the conversation; automated dispatch stands down entirely.
	// Default: AGENTE_HUMANO.
	AgentTakeoverState string `mapstructure:"agent_takeover_state" yaml:"agent_takeover_state"`

	// CancelButtonID is the canonical cancel button id honored from any
	// state. Default: btn_cancelar.
	CancelButtonID string `mapstructure:"cancel_button_id" yaml:"cancel_button_id"`

	// FarewellText is sent after a cancellation.
	FarewellText string `mapstructure:"farewell_text" yaml:"farewell_text"`

	// PassthroughPrefixes lists button-id prefixes that must reach their
	// owning flow even from a terminal state (survey and flex answers
	// arriving after the flow finalized the session).
	PassthroughPrefixes []string `mapstructure:"passthrough_prefixes" yaml:"passthrough_prefixes"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *ManagerConfig) ApplyDefaults() {
	if c.AgentTakeoverState == "" {
		c.AgentTakeoverState = "AGENTE_HUMANO"
	}
	if c.CancelButtonID == "" {
		c.CancelButtonID = "btn_cancelar"
	}
	if c.FarewellText == "" {
		c.FarewellText = "Tu proceso ha sido cancelado. ¡Hasta pronto!"
	}
}

// Manager is the dispatch entry point called once per classified event. It
// arbitrates between registered flows and the special cases the registry
// cannot know about: agent takeover, the canonical cancel button, and
// terminal-state reactivation.
type Manager struct {
	registry *Registry
	store    store.Store
	sender   Sender
	config   ManagerConfig
}

// NewManager wires the dispatcher.
func NewManager(registry *Registry, st store.Store, sender Sender, config ManagerConfig) *Manager {
	config.ApplyDefaults()
	return &Manager{
		registry: registry,
		store:    st,
		sender:   sender,
		config:   config,
	}
}

// Registry exposes the underlying registry for startup flow registration.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// DispatchMessage routes a non-button event. Returns false when nothing
// claims the session's state, leaving the fallback (menu, greeting) to the
// ingress layer.
func (m *Manager) DispatchMessage(ctx context.Context, ev *Event, sess *session.Session, correlationID string) (bool, error) {
	if sess.State == m.config.AgentTakeoverState {
		logger.DebugCtx(ctx, "agent takeover active, dispatch suppressed",
			logger.Identity(sess.Identity),
			logger.State(sess.State),
		)
		return false, nil
	}

	if !m.registry.HasHandlerForState(sess.State) {
		return false, nil
	}
	return m.registry.DispatchMessage(ctx, ev, sess, correlationID)
}

// DispatchButton routes an interactive reply. Registry bindings win; the
// canonical cancel id is handled by the dispatcher itself; anything else is
// unhandled.
func (m *Manager) DispatchButton(ctx context.Context, buttonID string, ev *Event, sess *session.Session, correlationID string) (bool, error) {
	if _, ok := m.registry.LookupButton(buttonID); ok {
		return m.registry.DispatchButton(ctx, buttonID, ev, sess, correlationID)
	}

	if buttonID == m.config.CancelButtonID {
		return true, m.Cancel(ctx, sess.Identity)
	}

	return false, nil
}

// Cancel moves the session to CANCELADO and sends the farewell. A
// concurrent writer beating the commit is not an error: the losing commit
// means the state already moved, and the farewell is still owed to the user
// who pressed cancel.
func (m *Manager) Cancel(ctx context.Context, identity string) error {
	fresh, err := m.store.LoadFresh(ctx, identity)
	if err != nil {
		return err
	}

	err = m.store.Commit(ctx, store.CommitRequest{
		Identity:        identity,
		NewState:        session.StateCancelado,
		Origin:          "dispatcher",
		Reason:          "user_cancel",
		ExpectedVersion: fresh.Version,
	})
	if err != nil && !session.IsConcurrencyError(err) {
		return err
	}
	if session.IsConcurrencyError(err) {
		logger.DebugCtx(ctx, "cancel lost the commit race, farewell still sent",
			logger.Identity(identity),
		)
	}

	return m.sender.SendText(ctx, identity, m.config.FarewellText)
}

// ReactivateIfTerminal moves a FINALIZADO or CANCELADO session back to
// INICIO so a new conversation can start. On a lost race the caller's
// snapshot is overwritten with the fresh session instead, since the other
// writer already decided where the session went.
func (m *Manager) ReactivateIfTerminal(ctx context.Context, sess *session.Session, origin string) error {
	if !session.IsTerminal(sess.State) || sess.State == session.StateInicio {
		return nil
	}

	err := m.store.Commit(ctx, store.CommitRequest{
		Identity:        sess.Identity,
		NewState:        session.StateInicio,
		Origin:          origin,
		Reason:          "terminal_reactivation",
		ExpectedVersion: sess.Version,
	})
	if err == nil {
		sess.State = session.StateInicio
		sess.Version++
		sess.TempData = "{}"
		sess.EquipoID = nil
		return nil
	}

	if session.IsConcurrencyError(err) {
		fresh, loadErr := m.store.LoadFresh(ctx, sess.Identity)
		if loadErr != nil {
			return loadErr
		}
		*sess = *fresh
		return nil
	}
	return err
}

// IsPassthroughButton reports whether the button id belongs to a class that
// must reach its owning flow even from a terminal state.
func (m *Manager) IsPassthroughButton(buttonID string) bool {
	for _, prefix := range m.config.PassthroughPrefixes {
		if strings.HasPrefix(buttonID, prefix) {
			return true
		}
	}
	return false
}
