package idgen

import (
	"strings"
	"testing"
)

func TestEvent_Prefix(t *testing.T) {
	id, err := Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if !strings.HasPrefix(id, "evt-") {
		t.Errorf("expected evt- prefix, got %q", id)
	}
	if len(id) != len("evt-")+Length {
		t.Errorf("expected length %d, got %d", len("evt-")+Length, len(id))
	}
}

func TestConnection_Prefix(t *testing.T) {
	id, err := Connection()
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}
	if !strings.HasPrefix(id, "conn-") {
		t.Errorf("expected conn- prefix, got %q", id)
	}
}

func TestWithPrefix_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id, err := WithPrefix("room-")
		if err != nil {
			t.Fatalf("WithPrefix: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
