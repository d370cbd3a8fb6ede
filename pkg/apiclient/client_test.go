package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientAgainstFakeServer(t *testing.T) {
	var sawToken string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(envelope{Status: "error", Error: "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"data":   map[string]string{"access_token": "tok-1", "token_type": "Bearer"},
		})
	})
	mux.HandleFunc("GET /api/v1/flows", func(w http.ResponseWriter, r *http.Request) {
		sawToken = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"data":   map[string]any{"flows": []string{"consulta", "reporte"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)

	t.Run("login stores the token", func(t *testing.T) {
		resp, err := c.Login("admin", "secret")
		if err != nil {
			t.Fatalf("login failed: %v", err)
		}
		if resp.AccessToken != "tok-1" {
			t.Errorf("unexpected token %q", resp.AccessToken)
		}
	})

	t.Run("requests carry the bearer token", func(t *testing.T) {
		flows, err := c.Flows()
		if err != nil {
			t.Fatalf("flows failed: %v", err)
		}
		if len(flows) != 2 || flows[0] != "consulta" {
			t.Errorf("unexpected flows %v", flows)
		}
		if sawToken != "Bearer tok-1" {
			t.Errorf("expected bearer header, got %q", sawToken)
		}
	})

	t.Run("api errors are typed", func(t *testing.T) {
		_, err := New(srv.URL).Login("admin", "wrong")
		apiErr, ok := err.(*APIError)
		if !ok {
			t.Fatalf("expected APIError, got %T: %v", err, err)
		}
		if !apiErr.IsAuthError() || apiErr.Message != "invalid credentials" {
			t.Errorf("unexpected error %+v", apiErr)
		}
	})
}
