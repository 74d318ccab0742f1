package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whatsapp-campaign-engine/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(Options{
		BaseURL:            srv.URL,
		Token:              "test-token",
		PhoneID:            "12345",
		DefaultCountryCode: "1",
		Timeout:            2 * time.Second,
	})
	return client, srv
}

func TestSendText(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/12345/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.ABC"}},
		})
	})

	id, err := client.Send(context.Background(), "+1 (555) 010-0200", models.TextPayload{Body: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "wamid.ABC" {
		t.Fatalf("expected provider id wamid.ABC, got %q", id)
	}
	if got["type"] != "text" || got["to"] != "15550100200" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestSendTemplate(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.TPL"}},
		})
	})

	_, err := client.Send(context.Background(), "5550100200", models.TemplatePayload{
		Name:     "welcome",
		Language: "en_US",
		Params:   []string{"Ada"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	tpl, ok := got["template"].(map[string]any)
	if !ok || tpl["name"] != "welcome" {
		t.Fatalf("expected template body, got %+v", got)
	}
}

func TestSendTransportError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limit hit"},
		})
	})

	_, err := client.Send(context.Background(), "5550100200", models.TextPayload{Body: "x"})
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if terr.StatusCode != http.StatusTooManyRequests || terr.Message != "rate limit hit" {
		t.Fatalf("unexpected error detail: %+v", terr)
	}
}

func TestNormalizePhone(t *testing.T) {
	client := NewClient(Options{DefaultCountryCode: "254"})
	cases := map[string]string{
		"+254 711 000111": "254711000111",
		"0711000111":      "254711000111",
		"711-000-111":     "711000111",
	}
	for in, want := range cases {
		if got := client.NormalizePhone(in); got != want {
			t.Fatalf("normalize %q: got %q want %q", in, got, want)
		}
	}
}
