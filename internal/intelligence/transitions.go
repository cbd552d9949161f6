package intelligence

import (
	"fmt"
	"sort"
	"strings"
)

// TransitionRule maps (From, Intent) to To.
type TransitionRule struct {
	From   State
	Intent IntentID
	To     State
}

// TransitionTable is the immutable rule set. Pairs without a rule resolve to
// a self-loop in the Machine.
type TransitionTable struct {
	rules map[State]map[IntentID]State
}

// NewTransitionTable validates rules and adds the mandatory opt-out rule to
// every non-terminal state that lacks one.
func NewTransitionTable(rules []TransitionRule) (*TransitionTable, error) {
	t := &TransitionTable{rules: make(map[State]map[IntentID]State)}
	for _, r := range rules {
		intent := IntentID(strings.TrimSpace(string(r.Intent)))
		switch {
		case !r.From.Valid():
			return nil, fmt.Errorf("%w: rule on %q has invalid from state", ErrInvalidCatalog, intent)
		case !r.To.Valid():
			return nil, fmt.Errorf("%w: rule %s/%s has invalid target", ErrInvalidCatalog, r.From, intent)
		case intent == "":
			return nil, fmt.Errorf("%w: rule from %s has empty intent", ErrInvalidCatalog, r.From)
		case r.From.Terminal():
			return nil, fmt.Errorf("%w: terminal state %s cannot have outgoing rules", ErrInvalidCatalog, r.From)
		case intent == IntentOptOut && r.To != StateOptedOut:
			return nil, fmt.Errorf("%w: %s/%s must target %s, got %s", ErrInvalidCatalog, r.From, intent, StateOptedOut, r.To)
		}
		row := t.rules[r.From]
		if row == nil {
			row = make(map[IntentID]State)
			t.rules[r.From] = row
		}
		if _, dup := row[intent]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %s/%s", ErrInvalidCatalog, r.From, intent)
		}
		row[intent] = r.To
	}

	for _, s := range AllStates() {
		if s.Terminal() {
			continue
		}
		row := t.rules[s]
		if row == nil {
			row = make(map[IntentID]State)
			t.rules[s] = row
		}
		if _, ok := row[IntentOptOut]; !ok {
			row[IntentOptOut] = StateOptedOut
		}
	}
	return t, nil
}

// Lookup returns the authored target for (from, intent).
func (t *TransitionTable) Lookup(from State, intent IntentID) (State, bool) {
	to, ok := t.rules[from][intent]
	return to, ok
}

// Intents lists every intent referenced by a rule, sorted.
func (t *TransitionTable) Intents() []IntentID {
	seen := make(map[IntentID]struct{})
	for _, row := range t.rules {
		for id := range row {
			seen[id] = struct{}{}
		}
	}
	out := make([]IntentID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rules returns all rules ordered by from state, then intent.
func (t *TransitionTable) Rules() []TransitionRule {
	var out []TransitionRule
	for from, row := range t.rules {
		for intent, to := range row {
			out = append(out, TransitionRule{From: from, Intent: intent, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Intent < out[j].Intent
	})
	return out
}
