package flow

import (
	"context"
	"fmt"

	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

// Context is the facade handed to a flow handler for one dispatch. It owns
// the session snapshot and its version tracking: every mutating call passes
// the snapshot's current version to the store and, on success, advances the
// in-memory version so consecutive commits inside one handler stay valid.
// On ConcurrencyError nothing local changes and the error surfaces to the
// retry engine.
//
// A Context is built by the registry per dispatch and discarded afterwards.
// It is not safe for concurrent use.
type Context struct {
	// Session is the snapshot the handler operates on. Mutating calls keep
	// it in step with the store.
	Session *session.Session

	// Identity is the end-user identity, equal to Session.Identity.
	Identity string

	// CorrelationID threads the originating ingress event through logs.
	CorrelationID string

	// FlowName and HandlerName identify the dispatch target.
	FlowName    string
	HandlerName string

	// Params carries the static parameters of a button binding, nil
	// otherwise.
	Params map[string]any

	ctx  context.Context
	deps Dependencies
}

// NewContext builds a handler context. Exposed for tests and background
// tasks that resume sessions outside a registry dispatch.
func NewContext(ctx context.Context, sess *session.Session, correlationID string, deps Dependencies) *Context {
	return &Context{
		Session:       sess,
		Identity:      sess.Identity,
		CorrelationID: correlationID,
		ctx:           ctx,
		deps:          deps,
	}
}

// Context returns the request-scoped context carrying the deadline budget.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Data returns the decoded session scratchpad. Mutations are not persisted
// until a mutating call commits them.
func (c *Context) Data() (map[string]any, error) {
	return c.Session.Data()
}

// ============================================
// STATE MUTATION
// ============================================

// ChangeState commits a transition to newState with the given scratchpad,
// keeping the current equipment reference.
func (c *Context) ChangeState(newState string, data map[string]any) error {
	return c.commit(newState, data, c.Session.EquipoID, "change_state")
}

// UpdateData commits new scratchpad contents without changing state.
func (c *Context) UpdateData(data map[string]any) error {
	return c.commit(c.Session.State, data, c.Session.EquipoID, "update_data")
}

// Finalize commits the session to FINALIZADO. The store clears the
// scratchpad and equipment reference on terminal entry.
func (c *Context) Finalize() error {
	return c.commit(session.StateFinalizado, nil, nil, "finalize")
}

// Cancel commits the session to CANCELADO.
func (c *Context) Cancel() error {
	return c.commit(session.StateCancelado, nil, nil, "cancel")
}

// commit performs the compare-and-set and, only on success, folds the result
// into the in-memory snapshot.
func (c *Context) commit(newState string, data map[string]any, equipoID *string, reason string) error {
	err := c.deps.Store.Commit(c.ctx, store.CommitRequest{
		Identity:        c.Identity,
		NewState:        newState,
		NewTempData:     data,
		EquipoID:        equipoID,
		Origin:          "flow:" + c.FlowName,
		Reason:          reason,
		ExpectedVersion: c.Session.Version,
	})
	if err != nil {
		return err
	}

	c.Session.State = newState
	c.Session.Version++
	c.Session.EquipoID = equipoID
	if session.IsTerminal(newState) {
		c.Session.TempData = "{}"
		c.Session.EquipoID = nil
	} else if err := c.Session.SetData(data); err != nil {
		return err
	}
	return nil
}

// ============================================
// REPLY HELPERS
// ============================================

// Reply sends a plain text message to the session's identity.
func (c *Context) Reply(body string) error {
	return c.deps.Sender.SendText(c.ctx, c.Identity, body)
}

// Replyf sends a formatted text message.
func (c *Context) Replyf(format string, args ...any) error {
	return c.Reply(fmt.Sprintf(format, args...))
}

// ReplyButtons sends an interactive reply-button message.
func (c *Context) ReplyButtons(body string, buttons []provider.Button) error {
	return c.deps.Sender.SendButtons(c.ctx, c.Identity, body, buttons)
}

// ReplyList sends an interactive list message.
func (c *Context) ReplyList(body, buttonLabel string, sections []provider.ListSection) error {
	return c.deps.Sender.SendList(c.ctx, c.Identity, body, buttonLabel, sections)
}
