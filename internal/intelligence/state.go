package intelligence

import (
	"fmt"
	"strings"
)

// State is a node in the conversation chain. The set is closed; the zero
// value is never a valid state.
type State uint8

const (
	StateInvalid State = iota
	StateInitialOutreach
	StateInterested
	StateQuestion
	StatePricingQuestion
	StateObjection
	StateDemoRequest
	StateBuySignal
	StateStalled
	StateFollowup24h
	StateFollowup10d
	StateOptedOut
	StateWon
	StateLost

	stateCount
)

type stateInfo struct {
	name        string
	description string
	terminal    bool
}

var states = [stateCount]stateInfo{
	StateInvalid:         {name: "invalid"},
	StateInitialOutreach: {name: "initial_outreach", description: "First outbound contact sent, waiting on a reply"},
	StateInterested:      {name: "interested", description: "Lead shows interest and is open to learning more"},
	StateQuestion:        {name: "question", description: "Lead asked about deliverables, timing, data or accuracy"},
	StatePricingQuestion: {name: "pricing_question", description: "Lead asked what it costs or is negotiating"},
	StateObjection:       {name: "objection", description: "Lead pushed back on price, timing, legitimacy or need"},
	StateDemoRequest:     {name: "demo_request", description: "Lead wants a sample list, preview or PDF"},
	StateBuySignal:       {name: "buy_signal", description: "Lead signalled clear intent to purchase"},
	StateStalled:         {name: "stalled", description: "Lead postponed, is busy or is checking with their board"},
	StateFollowup24h:     {name: "followup_24hr", description: "No reply; nudged after 24 hours"},
	StateFollowup10d:     {name: "followup_10day", description: "No reply; nudged after 10 days"},
	StateOptedOut:        {name: "opted_out", description: "Lead asked to stop receiving messages", terminal: true},
	StateWon:             {name: "won", description: "Lead paid", terminal: true},
	StateLost:            {name: "lost", description: "Lead declined for good", terminal: true},
}

var statesByName = func() map[string]State {
	m := make(map[string]State, stateCount)
	for s := StateInitialOutreach; s < stateCount; s++ {
		m[states[s].name] = s
	}
	return m
}()

// ParseState resolves a persisted state name. Unknown names are a data
// integrity problem and are never defaulted.
func ParseState(name string) (State, error) {
	if s, ok := statesByName[strings.TrimSpace(name)]; ok {
		return s, nil
	}
	return StateInvalid, fmt.Errorf("%w: %q", ErrInvalidState, name)
}

// AllStates returns every valid state in declaration order.
func AllStates() []State {
	out := make([]State, 0, stateCount-1)
	for s := StateInitialOutreach; s < stateCount; s++ {
		out = append(out, s)
	}
	return out
}

// Valid reports whether s is a member of the enumeration.
func (s State) Valid() bool {
	return s > StateInvalid && s < stateCount
}

// Terminal reports whether s absorbs all further automatic transitions.
func (s State) Terminal() bool {
	return s.Valid() && states[s].terminal
}

// Description is the human-readable meaning of the state.
func (s State) Description() string {
	if !s.Valid() {
		return ""
	}
	return states[s].description
}

// TemplateKey is the key of the state's standing reply template.
func (s State) TemplateKey() string {
	return s.String()
}

func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("invalid(%d)", uint8(s))
	}
	return states[s].name
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, uint8(s))
	}
	return []byte(states[s].name), nil
}

// UnmarshalText decodes a state name, rejecting unknown values.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
