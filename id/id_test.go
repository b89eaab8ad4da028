package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/steward/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"GraphID", id.NewGraphID, "graph_"},
		{"SessionID", id.NewSessionID, "lead_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestStorePrefix(t *testing.T) {
	got := id.New(id.PrefixStore)
	if got.Prefix() != id.PrefixStore {
		t.Errorf("expected prefix %q, got %q", id.PrefixStore, got.Prefix())
	}
	parsed, err := id.ParseWithPrefix(got.String(), id.PrefixStore)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != got {
		t.Errorf("round trip mismatch: %v != %v", parsed, got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := id.NewGraphID()

	parsed, err := id.ParseGraphID(orig.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != orig {
		t.Errorf("round trip mismatch: %v != %v", parsed, orig)
	}
}

func TestParseWithWrongPrefix(t *testing.T) {
	session := id.NewSessionID()

	if _, err := id.ParseGraphID(session.String()); err == nil {
		t.Error("expected error parsing session ID as graph ID")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero value should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", i.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := id.NewGraphID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var parsed id.ID
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed != orig {
		t.Errorf("round trip mismatch: %v != %v", parsed, orig)
	}
}

func TestFencingToken(t *testing.T) {
	session := id.NewSessionID()
	token := id.NewFencingToken(session)

	if token.String() != session.String() {
		t.Errorf("token %q should carry the session identity %q", token, session)
	}

	other := id.NewFencingToken(id.NewSessionID())
	if token == other {
		t.Error("tokens of distinct sessions must differ")
	}
}
