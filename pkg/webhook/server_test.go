package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerificationHandshake(t *testing.T) {
	h := newHarness(t)

	t.Run("matching token echoes challenge", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if rec.Body.String() != "1158201444" {
			t.Errorf("expected the challenge echoed, got %q", rec.Body.String())
		}
	})

	t.Run("wrong token is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", nil)
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})
}

func TestSignatureEnforcement(t *testing.T) {
	t.Run("production rejects bad signatures", func(t *testing.T) {
		h := newHarness(t)
		body := textPayload("+52150", "wamid.sig", "hola")
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set(signatureHeader, "sha256=deadbeef")
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if h.handlerCalls.Load() != 0 {
			t.Error("unsigned payloads must not reach handlers")
		}
	})

	t.Run("development logs and continues", func(t *testing.T) {
		h := newHarness(t)
		h.server.config.Environment = "development"
		h.setState(t, "+52151", "CONSULTA_DOCUMENTOS")

		body := textPayload("+52151", "wamid.dev", "hola")
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
		req.Header.Set(signatureHeader, "sha256=deadbeef")
		rec := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
		if h.handlerCalls.Load() != 1 {
			t.Error("development must process despite the mismatch")
		}
	})
}

func TestNonMessagingPayloadsDropSilently(t *testing.T) {
	h := newHarness(t)

	t.Run("wrong object", func(t *testing.T) {
		if rec := h.post(t, []byte(`{"object":"instagram","entry":[]}`)); rec.Code != http.StatusOK {
			t.Errorf("expected silent 200, got %d", rec.Code)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if rec := h.post(t, []byte(`{"object":`)); rec.Code != http.StatusOK {
			t.Errorf("expected silent 200, got %d", rec.Code)
		}
	})

	t.Run("delivery statuses", func(t *testing.T) {
		body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.s","status":"delivered"}]}}]}]}`)
		if rec := h.post(t, body); rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
		if h.handlerCalls.Load() != 0 {
			t.Error("statuses must not dispatch")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("missing verify token must fail validation")
	}

	cfg.VerifyToken = "t"
	cfg.Environment = "production"
	if err := cfg.Validate(); err == nil {
		t.Error("production without app secret must fail validation")
	}

	cfg.AppSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}
