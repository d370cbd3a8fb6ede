package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/rmedina/waflow/pkg/provider/providertest"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

func newTestManager(t *testing.T) (*Manager, *store.GORMStore, *providertest.Fake) {
	t.Helper()
	deps, st, fake := newTestDeps(t)
	registry := NewRegistry(deps)
	m := NewManager(registry, st, fake, ManagerConfig{
		PassthroughPrefixes: []string{"encuesta_", "flex_"},
	})
	return m, st, fake
}

func TestManagerAgentTakeover(t *testing.T) {
	m, st, _ := newTestManager(t)

	var invoked bool
	f := simpleFlow("consulta", "AGENTE_HUMANO")
	f.Callables["handle"] = func(c *Context, ev *Event) error {
		invoked = true
		return nil
	}
	if err := m.Registry().Register(f); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	sess, _ := st.LoadFresh(context.Background(), "+52155")
	sess.State = "AGENTE_HUMANO"

	handled, err := m.DispatchMessage(context.Background(), &Event{Type: EventText}, sess, "corr")
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if handled || invoked {
		t.Error("agent takeover must suppress dispatch even when a flow owns the state")
	}
}

func TestManagerCancel(t *testing.T) {
	m, st, fake := newTestManager(t)
	ctx := context.Background()
	identity := "+52166"

	sess, _ := st.LoadFresh(ctx, identity)
	if err := st.Commit(ctx, store.CommitRequest{
		Identity:        identity,
		NewState:        "REPORTE_CAPTURA",
		NewTempData:     map[string]any{"folio": "F-1"},
		Origin:          "test",
		ExpectedVersion: sess.Version,
	}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	t.Run("cancel button commits CANCELADO and sends farewell", func(t *testing.T) {
		sess, _ := st.LoadFresh(ctx, identity)
		handled, err := m.DispatchButton(ctx, "btn_cancelar", &Event{Type: EventButton, ButtonID: "btn_cancelar"}, sess, "corr")
		if err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		if !handled {
			t.Fatal("cancel button must be handled")
		}

		fresh, _ := st.LoadFresh(ctx, identity)
		if fresh.State != session.StateCancelado {
			t.Errorf("expected CANCELADO, got %q", fresh.State)
		}
		if fresh.TempData != "{}" {
			t.Errorf("cancel must clear scratchpad, got %q", fresh.TempData)
		}
		if len(fake.SentTo(identity)) != 1 {
			t.Errorf("expected one farewell, got %d", len(fake.SentTo(identity)))
		}
	})

	t.Run("second cancel is a state no-op but still sends farewell", func(t *testing.T) {
		sess, _ := st.LoadFresh(ctx, identity)
		versionBefore := sess.Version

		if err := m.Cancel(ctx, identity); err != nil {
			t.Fatalf("second cancel failed: %v", err)
		}

		fresh, _ := st.LoadFresh(ctx, identity)
		if fresh.State != session.StateCancelado {
			t.Errorf("state changed on second cancel: %q", fresh.State)
		}
		// The commit still runs (CANCELADO -> CANCELADO bumps the version);
		// what matters is the farewell count.
		if fresh.Version != versionBefore+1 {
			t.Logf("version after second cancel: %d", fresh.Version)
		}
		if len(fake.SentTo(identity)) != 2 {
			t.Errorf("expected two farewells, got %d", len(fake.SentTo(identity)))
		}
	})
}

// racingStore interposes one competing commit before the first Commit call,
// simulating a concurrent writer between LoadFresh and Commit.
type racingStore struct {
	store.Store
	once sync.Once
}

func (r *racingStore) Commit(ctx context.Context, req store.CommitRequest) error {
	var raceErr error
	r.once.Do(func() {
		fresh, err := r.Store.LoadFresh(ctx, req.Identity)
		if err != nil {
			raceErr = err
			return
		}
		raceErr = r.Store.Commit(ctx, store.CommitRequest{
			Identity:        req.Identity,
			NewState:        "REFRI_ESPERA_SAP",
			Origin:          "race",
			ExpectedVersion: fresh.Version,
		})
	})
	if raceErr != nil {
		return raceErr
	}
	return r.Store.Commit(ctx, req)
}

func TestManagerCancelLosesRace(t *testing.T) {
	deps, st, fake := newTestDeps(t)
	racing := &racingStore{Store: st}
	m := NewManager(NewRegistry(deps), racing, fake, ManagerConfig{})
	ctx := context.Background()
	identity := "+52167"

	if _, err := st.LoadFresh(ctx, identity); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := m.Cancel(ctx, identity); err != nil {
		t.Fatalf("cancel must suppress the conflict: %v", err)
	}

	// The racing writer won; the farewell is still sent exactly once.
	fresh, _ := st.LoadFresh(ctx, identity)
	if fresh.State != "REFRI_ESPERA_SAP" {
		t.Errorf("expected racing winner's state, got %q", fresh.State)
	}
	if len(fake.SentTo(identity)) != 1 {
		t.Errorf("expected exactly one farewell, got %d", len(fake.SentTo(identity)))
	}
}

func TestReactivateIfTerminal(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("INICIO is left alone", func(t *testing.T) {
		sess, _ := st.LoadFresh(ctx, "+52170")
		before := sess.Version
		if err := m.ReactivateIfTerminal(ctx, sess, "ingress"); err != nil {
			t.Fatalf("reactivate failed: %v", err)
		}
		if sess.Version != before {
			t.Error("INICIO session must not be touched")
		}
	})

	t.Run("FINALIZADO reactivates to INICIO", func(t *testing.T) {
		identity := "+52171"
		sess, _ := st.LoadFresh(ctx, identity)
		if err := st.Commit(ctx, store.CommitRequest{
			Identity:        identity,
			NewState:        session.StateFinalizado,
			Origin:          "test",
			ExpectedVersion: sess.Version,
		}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		sess, _ = st.LoadFresh(ctx, identity)

		if err := m.ReactivateIfTerminal(ctx, sess, "ingress"); err != nil {
			t.Fatalf("reactivate failed: %v", err)
		}
		if sess.State != session.StateInicio {
			t.Errorf("snapshot must reflect reactivation, got %q", sess.State)
		}
		fresh, _ := st.LoadFresh(ctx, identity)
		if fresh.State != session.StateInicio || fresh.Version != sess.Version {
			t.Errorf("store diverged: %+v vs snapshot v%d", fresh, sess.Version)
		}
	})

	t.Run("lost race overwrites the snapshot with fresh state", func(t *testing.T) {
		identity := "+52172"
		sess, _ := st.LoadFresh(ctx, identity)
		if err := st.Commit(ctx, store.CommitRequest{
			Identity:        identity,
			NewState:        session.StateCancelado,
			Origin:          "test",
			ExpectedVersion: sess.Version,
		}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		sess, _ = st.LoadFresh(ctx, identity)

		// Competing writer moves the session before our reactivation.
		if err := st.Commit(ctx, store.CommitRequest{
			Identity:        identity,
			NewState:        "VEHICULO_ESPERA_EMPLEADO",
			Origin:          "race",
			ExpectedVersion: sess.Version,
		}); err != nil {
			t.Fatalf("competing commit failed: %v", err)
		}

		if err := m.ReactivateIfTerminal(ctx, sess, "ingress"); err != nil {
			t.Fatalf("reactivate must absorb the conflict: %v", err)
		}
		if sess.State != "VEHICULO_ESPERA_EMPLEADO" {
			t.Errorf("snapshot must be overwritten with the winner's state, got %q", sess.State)
		}
	})
}

func TestIsPassthroughButton(t *testing.T) {
	m, _, _ := newTestManager(t)

	cases := []struct {
		id   string
		want bool
	}{
		{"encuesta_5", true},
		{"flex_opcion_2", true},
		{"btn_cancelar", false},
		{"otro", false},
	}
	for _, tc := range cases {
		if got := m.IsPassthroughButton(tc.id); got != tc.want {
			t.Errorf("IsPassthroughButton(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestUnknownButtonUnhandled(t *testing.T) {
	m, st, _ := newTestManager(t)
	sess, _ := st.LoadFresh(context.Background(), "+52155")

	handled, err := m.DispatchButton(context.Background(), "btn_desconocido", &Event{Type: EventButton}, sess, "corr")
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if handled {
		t.Error("unknown button must be unhandled")
	}
}
