package intelligence

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStateRoundTrip(t *testing.T) {
	for _, s := range AllStates() {
		got, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("ParseState(%q) error: %v", s, err)
		}
		if got != s {
			t.Fatalf("ParseState(%q)=%v want %v", s, got, s)
		}
		if s.Description() == "" {
			t.Fatalf("state %s has no description", s)
		}
	}
}

func TestParseStateRejectsUnknown(t *testing.T) {
	for _, name := range []string{"", "dead", "initial_message_sent", "INVALID", "invalid"} {
		if _, err := ParseState(name); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("ParseState(%q) err=%v want ErrInvalidState", name, err)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	want := map[State]bool{StateOptedOut: true, StateWon: true, StateLost: true}
	for _, s := range AllStates() {
		if s.Terminal() != want[s] {
			t.Fatalf("%s.Terminal()=%v", s, s.Terminal())
		}
	}
	if StateInvalid.Valid() || StateInvalid.Terminal() {
		t.Fatalf("zero state must be neither valid nor terminal")
	}
}

func TestStateJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		State State `json:"state"`
	}{StateFollowup24h})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"state":"followup_24hr"}` {
		t.Fatalf("unexpected json %s", raw)
	}

	var decoded struct {
		State State `json:"state"`
	}
	if err := json.Unmarshal([]byte(`{"state":"pricing_question"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.State != StatePricingQuestion {
		t.Fatalf("decoded %v", decoded.State)
	}
	if err := json.Unmarshal([]byte(`{"state":"dead"}`), &decoded); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := json.Marshal(struct{ S State }{}); err == nil {
		t.Fatalf("expected marshal error for zero state")
	}
}
