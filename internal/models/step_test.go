package models

import (
	"testing"
)

func TestPayloadRoundTrip(t *testing.T) {
	payloads := []Payload{
		TextPayload{Body: "hello"},
		MediaPayload{URL: "https://cdn.example.com/a.jpg", Caption: "look"},
		TemplatePayload{Name: "welcome", Language: "en_US", Params: []string{"Ada"}},
	}
	for _, p := range payloads {
		kind, raw, err := MarshalPayload(p)
		if err != nil {
			t.Fatalf("marshal %T: %v", p, err)
		}
		got, err := UnmarshalPayload(kind, raw)
		if err != nil {
			t.Fatalf("unmarshal %T: %v", p, err)
		}
		if got.Kind() != p.Kind() {
			t.Fatalf("kind = %q, want %q", got.Kind(), p.Kind())
		}
	}
}

func TestUnmarshalPayloadUnknownKind(t *testing.T) {
	if _, err := UnmarshalPayload("sticker", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
