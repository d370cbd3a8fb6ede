package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/provider/providertest"
	"github.com/rmedina/waflow/pkg/ratelimit"
	"github.com/rmedina/waflow/pkg/retry"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
	"github.com/rmedina/waflow/pkg/vision"
	"github.com/rmedina/waflow/pkg/vision/visiontest"
	"github.com/rmedina/waflow/pkg/worker"
)

const testSecret = "test-app-secret"

type harness struct {
	st           *store.GORMStore
	fake         *providertest.Fake
	server       *Server
	pool         *worker.Pool
	handlerCalls atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}

	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	}, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	h.st = st

	h.fake = providertest.New()
	h.fake.Media["img-1"] = []byte("jpeg-bytes")

	mr := miniredis.RunT(t)
	limiter := ratelimit.New(ratelimit.Config{}, redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	deps := flow.Dependencies{Store: st, Sender: h.fake}
	registry := flow.NewRegistry(deps)
	if err := registry.Register(&flow.Flow{
		Name:   "consulta",
		States: []string{"CONSULTA_DOCUMENTOS"},
		Handlers: map[string]string{
			"CONSULTA_DOCUMENTOS": "process_step",
		},
		Buttons: map[string]flow.ButtonBinding{
			"btn_encuesta_si": {Handler: "process_step"},
		},
		Callables: map[string]flow.HandlerFunc{
			"process_step": func(c *flow.Context, ev *flow.Event) error {
				if h.handlerCalls.Add(1) == 1 && ev.Text == "rival" {
					// A competing writer lands between this handler's read
					// and its commit.
					fresh, err := h.st.LoadFresh(context.Background(), c.Identity)
					if err != nil {
						return err
					}
					if err := h.st.Commit(context.Background(), store.CommitRequest{
						Identity:        c.Identity,
						NewState:        "CONSULTA_DOCUMENTOS",
						Origin:          "test_rival",
						ExpectedVersion: fresh.Version,
					}); err != nil {
						return err
					}
				}
				if ev.Text == "boom" {
					return fmt.Errorf("handler exploded")
				}
				if err := c.Finalize(); err != nil {
					return err
				}
				return c.Reply("Listo, tu consulta quedó registrada.")
			},
		},
	}); err != nil {
		t.Fatalf("failed to register flow: %v", err)
	}
	manager := flow.NewManager(registry, st, h.fake, flow.ManagerConfig{
		PassthroughPrefixes: []string{"btn_encuesta_"},
	})

	h.pool = worker.NewPool(worker.Config{MaxConcurrent: 1, TaskTimeout: 5 * time.Second}, nil)
	t.Cleanup(func() { h.pool.Shutdown(context.Background()) })

	ingress := NewIngress(Config{RequestTimeout: 5 * time.Second}, Deps{
		Store:   st,
		Limiter: limiter,
		Manager: manager,
		Sender:  h.fake,
		Pool:    h.pool,
		Enrichment: worker.EnrichmentDeps{
			Store:    st,
			Sender:   h.fake,
			Provider: h.fake,
			OCR:      &visiontest.FakeOCR{Result: &vision.OCRResult{Fields: map[string]vision.FieldGuess{"serial": {Value: "SN-9", Confidence: 0.9}}}},
			Retry:    retry.Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
		Retry:     retry.Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		OCRFields: []string{"serial"},
	})
	h.server = NewServer(Config{
		VerifyToken: "verify-me",
		AppSecret:   testSecret,
		Environment: "production",
	}, ingress)
	return h
}

// post delivers a signed payload and returns the recorder.
func (h *harness) post(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func textPayload(from, messageID, body string) []byte {
	return messagePayload(from, Message{
		From: from,
		ID:   messageID,
		Type: "text",
		Text: &TextBody{Body: body},
	})
}

func messagePayload(from string, msg Message) []byte {
	p := Payload{
		Object: "whatsapp_business_account",
		Entry: []Entry{{
			ID: "1234",
			Changes: []Change{{
				Field: "messages",
				Value: Value{
					MessagingProduct: "whatsapp",
					Contacts:         []Contact{{WaID: from, Profile: Profile{Name: "Rosa"}}},
					Messages:         []Message{msg},
				},
			}},
		}},
	}
	out, _ := json.Marshal(p)
	return out
}

func (h *harness) setState(t *testing.T, identity, state string) {
	t.Helper()
	ctx := context.Background()
	sess, err := h.st.LoadFresh(ctx, identity)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := h.st.Commit(ctx, store.CommitRequest{
		Identity:        identity,
		NewState:        state,
		Origin:          "test",
		ExpectedVersion: sess.Version,
	}); err != nil {
		t.Fatalf("setup commit failed: %v", err)
	}
}

func TestHappyTextDispatch(t *testing.T) {
	h := newHarness(t)
	identity := "+52155"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	rec := h.post(t, textPayload(identity, "wamid.m-1", "1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.handlerCalls.Load() != 1 {
		t.Fatalf("expected one handler call, got %d", h.handlerCalls.Load())
	}

	fresh, _ := h.st.LoadFresh(context.Background(), identity)
	if fresh.State != session.StateFinalizado {
		t.Errorf("expected FINALIZADO, got %s", fresh.State)
	}
	if fresh.Version != 2 {
		t.Errorf("expected version 2 after setup+handler commits, got %d", fresh.Version)
	}
	if len(h.fake.SentTo(identity)) != 1 {
		t.Errorf("expected one outbound text, got %d", len(h.fake.SentTo(identity)))
	}
}

func TestDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	identity := "+52156"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	body := textPayload(identity, "wamid.m-2", "hola")
	if rec := h.post(t, body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", rec.Code)
	}
	if rec := h.post(t, body); rec.Code != http.StatusOK {
		t.Fatalf("second delivery must still be 200, got %d", rec.Code)
	}
	if h.handlerCalls.Load() != 1 {
		t.Errorf("handler must run at most once per message id, ran %d times", h.handlerCalls.Load())
	}
}

func TestRateLimitBreach(t *testing.T) {
	h := newHarness(t)
	identity := "+52157"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	for n := 1; n <= 11; n++ {
		h.setState(t, identity, "CONSULTA_DOCUMENTOS")
		h.post(t, textPayload(identity, fmt.Sprintf("wamid.rl-%d", n), "hola"))
	}

	// Message budget defaults to 10/min: handler count stays at 10 and the
	// 11th sender gets the pre-formatted notice.
	if h.handlerCalls.Load() != 10 {
		t.Errorf("expected 10 handler calls, got %d", h.handlerCalls.Load())
	}
	noticed := false
	for _, s := range h.fake.SentTo(identity) {
		if strings.Contains(s.Body, "muy rápido") {
			noticed = true
		}
	}
	if !noticed {
		t.Error("expected the rate limit notice")
	}
}

func TestVersionConflictRetriesWithFreshRead(t *testing.T) {
	h := newHarness(t)
	identity := "+52163"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	rec := h.post(t, textPayload(identity, "wamid.cas", "rival"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// The losing attempt replays once against a fresh read and wins.
	if h.handlerCalls.Load() != 2 {
		t.Errorf("expected 2 handler calls (conflict then replay), got %d", h.handlerCalls.Load())
	}

	fresh, _ := h.st.LoadFresh(context.Background(), identity)
	if fresh.State != session.StateFinalizado {
		t.Errorf("retried dispatch must finish the flow, got %s", fresh.State)
	}

	letters, err := h.st.ListDeadLetters(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(letters) != 0 {
		t.Errorf("version conflicts must never park in the dead letter queue, found %d", len(letters))
	}
}

func TestHandlerErrorGoesToDeadLetterQueue(t *testing.T) {
	h := newHarness(t)
	identity := "+52158"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	rec := h.post(t, textPayload(identity, "wamid.dlq", "boom"))
	if rec.Code != http.StatusOK {
		t.Fatalf("claimed events must answer 200, got %d", rec.Code)
	}

	letters, err := h.st.ListDeadLetters(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if !strings.Contains(letters[0].Error, "handler exploded") {
		t.Errorf("dead letter must carry the cause: %q", letters[0].Error)
	}
	if !strings.Contains(letters[0].Payload, "wamid.dlq") {
		t.Error("dead letter must carry the full inbound payload")
	}
}

func TestTerminalReactivationRouting(t *testing.T) {
	h := newHarness(t)

	t.Run("plain text reactivates before dispatch", func(t *testing.T) {
		identity := "+52159"
		h.setState(t, identity, session.StateFinalizado)

		h.post(t, textPayload(identity, "wamid.react", "hola"))

		fresh, _ := h.st.LoadFresh(context.Background(), identity)
		if fresh.State == session.StateFinalizado {
			t.Errorf("terminal session must reactivate, still %s", fresh.State)
		}
	})

	t.Run("survey button passes through without reactivation", func(t *testing.T) {
		identity := "+52160"
		h.setState(t, identity, session.StateFinalizado)

		h.post(t, messagePayload(identity, Message{
			From: identity,
			ID:   "wamid.survey",
			Type: "interactive",
			Interactive: &Interactive{
				Type:        "button_reply",
				ButtonReply: &Reply{ID: "btn_encuesta_si", Title: "Sí"},
			},
		}))

		if h.handlerCalls.Load() == 0 {
			t.Error("survey button must reach its flow handler")
		}
	})
}

func TestImageSubmitsBackgroundTask(t *testing.T) {
	h := newHarness(t)
	identity := "+52161"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	h.post(t, messagePayload(identity, Message{
		From:  identity,
		ID:    "wamid.img",
		Type:  "image",
		Image: &MediaBody{ID: "img-1", MimeType: "image/jpeg"},
	}))
	if err := h.pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("task did not finish: %v", err)
	}

	fresh, _ := h.st.LoadFresh(context.Background(), identity)
	data, _ := fresh.Data()
	if data["fields"] == nil {
		t.Error("expected the enrichment task to commit ocr fields")
	}
}

func TestContactNameUpdated(t *testing.T) {
	h := newHarness(t)
	identity := "+52162"
	h.setState(t, identity, "CONSULTA_DOCUMENTOS")

	h.post(t, textPayload(identity, "wamid.name", "hola"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fresh, _ := h.st.LoadFresh(context.Background(), identity)
		if fresh.ContactName == "Rosa" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("contact name was not updated")
}
