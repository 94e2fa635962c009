package syncengine

import (
	"encoding/json"
	"testing"
)

func TestEchoSuppressorInitializeOnce(t *testing.T) {
	s := NewEchoSuppressor()
	if s.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", s.State())
	}
	content, ok := s.Initialize(Some("hello"))
	if !ok || content != "hello" {
		t.Fatalf("expected initial content, got %q %v", content, ok)
	}
	if _, ok := s.Initialize(Some("again")); ok {
		t.Fatalf("expected second initialize to be ignored")
	}
	if s.State() != StateSynced {
		t.Fatalf("expected synced, got %s", s.State())
	}
}

func TestEchoSuppressorSuppressesRepeatedValue(t *testing.T) {
	s := NewEchoSuppressor()
	s.Initialize(Some("v1"))

	if _, ok := s.Apply(Some("v1")); ok {
		t.Fatalf("expected echo of initial value to be suppressed")
	}
	if content, ok := s.Apply(Some("v2")); !ok || content != "v2" {
		t.Fatalf("expected v2 applied, got %q %v", content, ok)
	}
	if _, ok := s.Apply(Some("v2")); ok {
		t.Fatalf("expected repeated v2 to be suppressed")
	}
	if content, ok := s.Apply(Some("v1")); !ok || content != "v1" {
		t.Fatalf("expected v1 applied again, got %q %v", content, ok)
	}
}

func TestEchoSuppressorAbsentIsNoUpdate(t *testing.T) {
	s := NewEchoSuppressor()
	if _, ok := s.Apply(None()); ok {
		t.Fatalf("absent value should not apply")
	}
	if s.State() != StateUninitialized {
		t.Fatalf("absent value should not change state, got %s", s.State())
	}
	s.Initialize(Some("x"))
	if _, ok := s.Apply(None()); ok {
		t.Fatalf("absent value should not apply after sync")
	}
	if !s.Last().Equal(Some("x")) {
		t.Fatalf("expected last value x, got %+v", s.Last())
	}
}

func TestEchoSuppressorEmptyStringDiffersFromAbsent(t *testing.T) {
	s := NewEchoSuppressor()
	if _, ok := s.Initialize(None()); ok {
		t.Fatalf("absent initial value has no content")
	}
	content, ok := s.Apply(Some(""))
	if !ok || content != "" {
		t.Fatalf("expected empty string applied, got %q %v", content, ok)
	}
	if _, ok := s.Apply(Some("")); ok {
		t.Fatalf("expected repeated empty string to be suppressed")
	}
}

func TestHostValueJSON(t *testing.T) {
	var payload struct {
		Value HostValue `json:"value"`
	}
	if err := json.Unmarshal([]byte(`{"value":""}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !payload.Value.Present || payload.Value.Value != "" {
		t.Fatalf("expected present empty string, got %+v", payload.Value)
	}
	if err := json.Unmarshal([]byte(`{"value":null}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Value.Present {
		t.Fatalf("expected absent value, got %+v", payload.Value)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"value":null}` {
		t.Fatalf("expected null encoding, got %s", data)
	}
}
