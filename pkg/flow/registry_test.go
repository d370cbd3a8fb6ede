package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rmedina/waflow/pkg/provider/providertest"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

// newTestDeps builds dependencies backed by an in-memory store and a
// recording sender.
func newTestDeps(t *testing.T) (Dependencies, *store.GORMStore, *providertest.Fake) {
	t.Helper()
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	}, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := providertest.New()
	return Dependencies{Store: st, Sender: fake}, st, fake
}

func noopHandler(c *Context, ev *Event) error { return nil }

func simpleFlow(name string, states ...string) *Flow {
	handlers := make(map[string]string)
	for _, s := range states {
		handlers[s] = "handle"
	}
	return &Flow{
		Name:      name,
		States:    states,
		Handlers:  handlers,
		Callables: map[string]HandlerFunc{"handle": noopHandler},
	}
}

func TestRegister(t *testing.T) {
	deps, _, _ := newTestDeps(t)

	t.Run("rejects empty name", func(t *testing.T) {
		r := NewRegistry(deps)
		if err := r.Register(&Flow{}); !errors.Is(err, ErrFlowNameRequired) {
			t.Errorf("expected ErrFlowNameRequired, got %v", err)
		}
	})

	t.Run("rejects handler without callable", func(t *testing.T) {
		r := NewRegistry(deps)
		f := &Flow{
			Name:     "broken",
			States:   []string{"ESTADO_X"},
			Handlers: map[string]string{"ESTADO_X": "missing"},
		}
		if err := r.Register(f); !errors.Is(err, ErrUnknownHandler) {
			t.Errorf("expected ErrUnknownHandler, got %v", err)
		}
	})

	t.Run("rejects duplicate state ownership", func(t *testing.T) {
		r := NewRegistry(deps)
		if err := r.Register(simpleFlow("uno", "COMPARTIDO")); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		err := r.Register(simpleFlow("dos", "COMPARTIDO"))
		if !errors.Is(err, ErrDuplicateState) {
			t.Errorf("expected ErrDuplicateState, got %v", err)
		}
	})

	t.Run("rejects duplicate flow name", func(t *testing.T) {
		r := NewRegistry(deps)
		if err := r.Register(simpleFlow("uno", "A")); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		if err := r.Register(simpleFlow("uno", "B")); !errors.Is(err, ErrFlowAlreadyRegistered) {
			t.Errorf("expected ErrFlowAlreadyRegistered, got %v", err)
		}
	})

	t.Run("rejects duplicate button binding", func(t *testing.T) {
		r := NewRegistry(deps)
		mk := func(name string) *Flow {
			return &Flow{
				Name:      name,
				Buttons:   map[string]ButtonBinding{"btn_x": {Handler: "handle"}},
				Callables: map[string]HandlerFunc{"handle": noopHandler},
			}
		}
		if err := r.Register(mk("uno")); err != nil {
			t.Fatalf("first register failed: %v", err)
		}
		if err := r.Register(mk("dos")); !errors.Is(err, ErrDuplicateButton) {
			t.Errorf("expected ErrDuplicateButton, got %v", err)
		}
	})
}

func TestDeregisterRestoresIndices(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	r := NewRegistry(deps)

	f := simpleFlow("encuesta", "ENCUESTA_P1", "ENCUESTA_P2")
	f.Buttons = map[string]ButtonBinding{"encuesta_si": {Handler: "handle"}}
	if err := r.Register(f); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !r.HasHandlerForState("ENCUESTA_P1") {
		t.Fatal("expected state to be claimed")
	}

	if err := r.Deregister("encuesta"); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	for _, state := range f.States {
		if r.HasHandlerForState(state) {
			t.Errorf("state %s still claimed after deregister", state)
		}
	}
	if _, ok := r.LookupButton("encuesta_si"); ok {
		t.Error("button still bound after deregister")
	}

	if err := r.Deregister("encuesta"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) DispatchObserved(flow, handler, result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func TestDispatchMessage(t *testing.T) {
	deps, st, fake := newTestDeps(t)
	obs := &recordingObserver{}
	deps.Observer = obs
	r := NewRegistry(deps)

	var invoked bool
	f := &Flow{
		Name:     "consulta",
		States:   []string{"CONSULTA_DOCUMENTOS"},
		Handlers: map[string]string{"CONSULTA_DOCUMENTOS": "processStep"},
		Callables: map[string]HandlerFunc{
			"processStep": func(c *Context, ev *Event) error {
				invoked = true
				if err := c.Reply("listo"); err != nil {
					return err
				}
				return c.Finalize()
			},
		},
	}
	if err := r.Register(f); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx := context.Background()
	sess, err := st.LoadFresh(ctx, "+52155")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := st.Commit(ctx, store.CommitRequest{
		Identity:        "+52155",
		NewState:        "CONSULTA_DOCUMENTOS",
		Origin:          "test",
		ExpectedVersion: sess.Version,
	}); err != nil {
		t.Fatalf("setup commit failed: %v", err)
	}
	sess, _ = st.LoadFresh(ctx, "+52155")
	versionBefore := sess.Version

	t.Run("claimed state dispatches and commits", func(t *testing.T) {
		handled, err := r.DispatchMessage(ctx, &Event{Type: EventText, Text: "1"}, sess, "corr-1")
		if err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		if !handled || !invoked {
			t.Error("handler must be invoked for a claimed state")
		}

		fresh, _ := st.LoadFresh(ctx, "+52155")
		if fresh.State != session.StateFinalizado {
			t.Errorf("expected FINALIZADO, got %q", fresh.State)
		}
		// The handler's commit mutates sess in place, so compare against
		// the version captured before dispatch.
		if fresh.Version != versionBefore+1 {
			t.Errorf("expected version %d, got %d", versionBefore+1, fresh.Version)
		}
		if fake.Count() != 1 {
			t.Errorf("expected one outbound text, got %d", fake.Count())
		}
		if len(obs.results) != 1 || obs.results[0] != "ok" {
			t.Errorf("expected one ok observation, got %v", obs.results)
		}
	})

	t.Run("unclaimed state returns unhandled", func(t *testing.T) {
		other := &session.Session{Identity: "+52160", State: "SIN_FLUJO"}
		handled, err := r.DispatchMessage(ctx, &Event{Type: EventText}, other, "corr-2")
		if err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		if handled {
			t.Error("unclaimed state must not be handled")
		}
	})
}

func TestDispatchButtonWithParams(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	r := NewRegistry(deps)

	var gotParams map[string]any
	f := &Flow{
		Name: "encuesta",
		Buttons: map[string]ButtonBinding{
			"encuesta_5": {Handler: "recordAnswer", Params: map[string]any{"score": 5}},
		},
		Callables: map[string]HandlerFunc{
			"recordAnswer": func(c *Context, ev *Event) error {
				gotParams = c.Params
				return nil
			},
		},
	}
	if err := r.Register(f); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	sess, _ := st.LoadFresh(context.Background(), "+52155")
	handled, err := r.DispatchButton(context.Background(), "encuesta_5", &Event{Type: EventButton, ButtonID: "encuesta_5"}, sess, "corr-3")
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !handled {
		t.Fatal("bound button must be handled")
	}
	if gotParams["score"] != 5 {
		t.Errorf("static params not delivered: %v", gotParams)
	}
}

func TestHandlerPanicTranslated(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	obs := &recordingObserver{}
	deps.Observer = obs
	r := NewRegistry(deps)

	f := &Flow{
		Name:     "roto",
		States:   []string{"ESTADO_ROTO"},
		Handlers: map[string]string{"ESTADO_ROTO": "boom"},
		Callables: map[string]HandlerFunc{
			"boom": func(c *Context, ev *Event) error { panic("nil map write") },
		},
	}
	if err := r.Register(f); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	sess, _ := st.LoadFresh(context.Background(), "+52155")
	sess.State = "ESTADO_ROTO"

	handled, err := r.DispatchMessage(context.Background(), &Event{Type: EventText}, sess, "corr-4")
	if !handled {
		t.Fatal("panicking handler still counts as handled")
	}
	if !IsHandlerPanic(err) {
		t.Fatalf("expected HandlerPanicError, got %v", err)
	}
	var hpe *HandlerPanicError
	errors.As(err, &hpe)
	if hpe.Flow != "roto" || hpe.Handler != "boom" {
		t.Errorf("panic error missing attribution: %+v", hpe)
	}
	if len(hpe.Stack) == 0 {
		t.Error("panic error should carry a stack")
	}
	if len(obs.results) != 1 || obs.results[0] != "panic" {
		t.Errorf("expected panic observation, got %v", obs.results)
	}
}

func TestConcurrencyErrorPassesThrough(t *testing.T) {
	deps, st, _ := newTestDeps(t)
	r := NewRegistry(deps)

	f := &Flow{
		Name:     "carrera",
		States:   []string{"CARRERA"},
		Handlers: map[string]string{"CARRERA": "commitStale"},
		Callables: map[string]HandlerFunc{
			"commitStale": func(c *Context, ev *Event) error {
				// Force a version conflict by committing behind the store.
				c.Session.Version = c.Session.Version + 10
				return c.ChangeState("OTRO", nil)
			},
		},
	}
	if err := r.Register(f); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	sess, _ := st.LoadFresh(context.Background(), "+52155")
	sess.State = "CARRERA"

	_, err := r.DispatchMessage(context.Background(), &Event{Type: EventText}, sess, "corr-5")
	if !session.IsConcurrencyError(err) {
		t.Fatalf("expected ConcurrencyError to pass through, got %v", err)
	}
}
