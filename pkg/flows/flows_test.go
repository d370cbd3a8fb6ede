package flows

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/provider/providertest"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

type fakeDirectory struct{}

func (fakeDirectory) FindByCode(_ context.Context, code string) (*flow.Equipment, error) {
	if code != "EQ-7" {
		return nil, fmt.Errorf("unknown equipment code %s", code)
	}
	return &flow.Equipment{ID: "eq-7-id", Code: "EQ-7", Name: "Impresora piso 2"}, nil
}

type harness struct {
	st   *store.GORMStore
	fake *providertest.Fake
	reg  *flow.Registry
}

func newHarness(t *testing.T) *harness {
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
	reg := flow.NewRegistry(flow.Dependencies{
		Store:     st,
		Sender:    fake,
		Directory: fakeDirectory{},
	})
	if err := RegisterAll(reg); err != nil {
		t.Fatalf("failed to register flows: %v", err)
	}
	return &harness{st: st, fake: fake, reg: reg}
}

// load fetches a fresh snapshot, creating the session on first use.
func (h *harness) load(t *testing.T, identity string) *session.Session {
	t.Helper()
	sess, err := h.st.LoadFresh(context.Background(), identity)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	return sess
}

func (h *harness) text(t *testing.T, identity, body string) {
	t.Helper()
	sess := h.load(t, identity)
	ev := &flow.Event{Type: flow.EventText, Text: body}
	handled, err := h.reg.DispatchMessage(context.Background(), ev, sess, "corr-test")
	if err != nil {
		t.Fatalf("dispatch of %q failed: %v", body, err)
	}
	if !handled {
		t.Fatalf("no handler claimed state %s", sess.State)
	}
}

func (h *harness) button(t *testing.T, identity, buttonID string) {
	t.Helper()
	sess := h.load(t, identity)
	ev := &flow.Event{Type: flow.EventButton, ButtonID: buttonID}
	handled, err := h.reg.DispatchButton(context.Background(), buttonID, ev, sess, "corr-test")
	if err != nil {
		t.Fatalf("dispatch of button %s failed: %v", buttonID, err)
	}
	if !handled {
		t.Fatalf("no flow claimed button %s", buttonID)
	}
}

func (h *harness) lastSend(t *testing.T, identity string) providertest.Sent {
	t.Helper()
	sends := h.fake.SentTo(identity)
	if len(sends) == 0 {
		t.Fatal("expected at least one outbound message")
	}
	return sends[len(sends)-1]
}

func TestRegisterAll(t *testing.T) {
	h := newHarness(t)
	if got := len(h.reg.Flows()); got != 4 {
		t.Errorf("expected 4 flows, got %d: %v", got, h.reg.Flows())
	}
	for _, state := range []string{session.StateInicio, StateConsultaDocumentos, StateEncuestaComentario, StateReporteCaptura, StateReporteConfirmacion} {
		if !h.reg.HasHandlerForState(state) {
			t.Errorf("state %s has no handler", state)
		}
	}
	if _, ok := h.reg.LookupButton(SurveyButtonPrefix + "3"); !ok {
		t.Error("survey score button not bound")
	}
}

func TestMenuShowsOptions(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000001"

	h.text(t, identity, "hola")

	sent := h.lastSend(t, identity)
	if sent.Kind != "buttons" || len(sent.Buttons) != 3 {
		t.Fatalf("expected a 3-button menu, got %+v", sent)
	}
	if sess := h.load(t, identity); sess.State != session.StateInicio {
		t.Errorf("menu must not leave INICIO, got %s", sess.State)
	}
}

func TestConsultaHappyPath(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000002"

	h.button(t, identity, ButtonConsulta)
	if sess := h.load(t, identity); sess.State != StateConsultaDocumentos {
		t.Fatalf("expected %s, got %s", StateConsultaDocumentos, sess.State)
	}
	if sent := h.lastSend(t, identity); sent.Kind != "list" {
		t.Fatalf("expected the document list, got %+v", sent)
	}

	h.button(t, identity, "doc_factura")
	if sent := h.lastSend(t, identity); !strings.Contains(sent.Body, "factura") {
		t.Errorf("confirmation prompt must name the document, got %q", sent.Body)
	}

	h.text(t, identity, "sí")
	sess := h.load(t, identity)
	if sess.State != session.StateFinalizado {
		t.Errorf("expected FINALIZADO, got %s", sess.State)
	}
	if sess.TempData != "{}" {
		t.Errorf("terminal state must wipe the scratchpad, got %s", sess.TempData)
	}
}

func TestConsultaRejectReturnsToList(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000003"

	h.button(t, identity, ButtonConsulta)
	h.button(t, identity, "doc_contrato")
	h.text(t, identity, "no")

	if sent := h.lastSend(t, identity); sent.Kind != "list" {
		t.Errorf("rejection must re-send the document list, got %+v", sent)
	}
	if sess := h.load(t, identity); sess.State != StateConsultaDocumentos {
		t.Errorf("expected to stay in %s, got %s", StateConsultaDocumentos, sess.State)
	}
}

func TestEncuestaScoreAndComment(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000004"

	h.button(t, identity, SurveyButtonPrefix+"4")
	if sess := h.load(t, identity); sess.State != StateEncuestaComentario {
		t.Fatalf("expected %s, got %s", StateEncuestaComentario, sess.State)
	}

	h.text(t, identity, "Todo muy rápido, gracias")
	sess := h.load(t, identity)
	if sess.State != session.StateFinalizado {
		t.Errorf("expected FINALIZADO, got %s", sess.State)
	}
	if sent := h.lastSend(t, identity); !strings.Contains(sent.Body, "Gracias") {
		t.Errorf("expected the farewell, got %q", sent.Body)
	}
}

func TestEncuestaScoreWorksAfterFinalizado(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000005"

	// Finish a survey, then answer again as if tapping an old message.
	h.button(t, identity, SurveyButtonPrefix+"5")
	h.text(t, identity, "no")
	if sess := h.load(t, identity); sess.State != session.StateFinalizado {
		t.Fatalf("setup failed, state %s", sess.State)
	}

	h.button(t, identity, SurveyButtonPrefix+"2")
	if sess := h.load(t, identity); sess.State != StateEncuestaComentario {
		t.Errorf("score button must restart the survey, got %s", sess.State)
	}
}

func TestReporteFieldCapture(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000006"

	h.button(t, identity, ButtonReporte)
	if sess := h.load(t, identity); sess.State != StateReporteCaptura {
		t.Fatalf("expected %s, got %s", StateReporteCaptura, sess.State)
	}

	h.text(t, identity, "serie ABC123")
	if sent := h.lastSend(t, identity); !strings.Contains(sent.Body, "1 de 3") {
		t.Errorf("progress must show 1 of 3, got %q", sent.Body)
	}

	h.text(t, identity, "marca Dell")
	h.text(t, identity, "ubicacion Piso 2")

	sess := h.load(t, identity)
	if sess.State != StateReporteConfirmacion {
		t.Fatalf("expected %s, got %s", StateReporteConfirmacion, sess.State)
	}
	sent := h.lastSend(t, identity)
	if sent.Kind != "buttons" || !strings.Contains(sent.Body, "ABC123") {
		t.Errorf("expected the summary with confirm buttons, got %+v", sent)
	}
}

func TestReporteConfirmAndCorrect(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000007"

	fill := func() {
		h.button(t, identity, ButtonReporte)
		h.text(t, identity, "serie ABC123")
		h.text(t, identity, "marca Dell")
		h.text(t, identity, "ubicacion Piso 2")
	}

	t.Run("correct returns to capture keeping fields", func(t *testing.T) {
		fill()
		h.button(t, identity, buttonReporteCorregir)
		sess := h.load(t, identity)
		if sess.State != StateReporteCaptura {
			t.Fatalf("expected %s, got %s", StateReporteCaptura, sess.State)
		}

		h.text(t, identity, "marca HP")
		if sess := h.load(t, identity); sess.State != StateReporteConfirmacion {
			t.Errorf("one corrected field must re-complete the bag, got %s", sess.State)
		}
		if sent := h.lastSend(t, identity); !strings.Contains(sent.Body, "HP") {
			t.Errorf("summary must carry the corrected value, got %q", sent.Body)
		}
	})

	t.Run("confirm finishes the session", func(t *testing.T) {
		h.button(t, identity, buttonReporteConfirmar)
		sess := h.load(t, identity)
		if sess.State != session.StateFinalizado {
			t.Errorf("expected FINALIZADO, got %s", sess.State)
		}
	})
}

func TestReporteEquipmentBinding(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000008"

	h.button(t, identity, ButtonReporte)

	t.Run("known code attaches", func(t *testing.T) {
		h.text(t, identity, "equipo EQ-7")
		sess := h.load(t, identity)
		if sess.EquipoID == nil || *sess.EquipoID != "eq-7-id" {
			t.Errorf("expected equipment binding, got %v", sess.EquipoID)
		}
		if sent := h.lastSend(t, identity); !strings.Contains(sent.Body, "Impresora") {
			t.Errorf("expected the equipment name, got %q", sent.Body)
		}
	})

	t.Run("unknown code replies without binding", func(t *testing.T) {
		h.text(t, identity, "equipo NOPE")
		if sent := h.lastSend(t, identity); !strings.Contains(sent.Body, "No encontré") {
			t.Errorf("expected the miss notice, got %q", sent.Body)
		}
	})
}

func TestReporteLocationFillsUbicacion(t *testing.T) {
	h := newHarness(t)
	identity := "+5215550000009"

	h.button(t, identity, ButtonReporte)

	sess := h.load(t, identity)
	ev := &flow.Event{Type: flow.EventLocation, Latitude: 19.43261, Longitude: -99.13321}
	handled, err := h.reg.DispatchMessage(context.Background(), ev, sess, "corr-test")
	if err != nil || !handled {
		t.Fatalf("location dispatch failed: handled=%v err=%v", handled, err)
	}

	sent := h.lastSend(t, identity)
	if !strings.Contains(sent.Body, "numero_serie") || strings.Contains(sent.Body, "ubicacion") {
		t.Errorf("location must count as the ubicacion field, got %q", sent.Body)
	}
}

func TestParseReportField(t *testing.T) {
	cases := []struct {
		in        string
		name, val string
		ok        bool
	}{
		{"serie ABC123", "numero_serie", "ABC123", true},
		{"Serial  XYZ-9", "numero_serie", "XYZ-9", true},
		{"ubicación Piso 2", "ubicacion", "Piso 2", true},
		{"equipo EQ-7", "equipo", "EQ-7", true},
		{"hola", "", "", false},
		{"color azul", "", "", false},
		{"marca ", "", "", false},
	}
	for _, tc := range cases {
		name, val, ok := parseReportField(tc.in)
		if ok != tc.ok || name != tc.name || val != tc.val {
			t.Errorf("parseReportField(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, name, val, ok, tc.name, tc.val, tc.ok)
		}
	}
}
