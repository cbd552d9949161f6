package intelligence

import "fmt"

// Outcome describes how a transition was resolved.
type Outcome string

const (
	// OutcomeAdvanced means a rule moved the conversation to another state.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeSelfLoop means the conversation stays put: no rule matched or
	// the rule targets the current state.
	OutcomeSelfLoop Outcome = "self_loop"
	// OutcomeAbsorbed means the current state is terminal. Callers should
	// not send anything and should surface the conversation to a human.
	OutcomeAbsorbed Outcome = "absorbed"
)

// Transition is the result of applying one intent to one state.
type Transition struct {
	From    State    `json:"from"`
	To      State    `json:"to"`
	Intent  IntentID `json:"intent"`
	Outcome Outcome  `json:"outcome"`
	// Ruled is true when an explicit rule (authored or the mandatory
	// opt-out rule) produced To.
	Ruled bool `json:"ruled"`
}

// Machine applies a TransitionTable. It holds no mutable state.
type Machine struct {
	table *TransitionTable
}

// NewMachine wraps table. A nil table means every pair self-loops except
// opt-out.
func NewMachine(table *TransitionTable) *Machine {
	if table == nil {
		table, _ = NewTransitionTable(nil)
	}
	return &Machine{table: table}
}

// Table exposes the underlying rules.
func (m *Machine) Table() *TransitionTable {
	return m.table
}

// Transition is total over valid states: the only error is an invalid
// current state.
func (m *Machine) Transition(current State, intent IntentID) (Transition, error) {
	if !current.Valid() {
		return Transition{}, fmt.Errorf("%w: %s", ErrInvalidState, current)
	}
	tr := Transition{From: current, To: current, Intent: intent, Outcome: OutcomeSelfLoop}

	if current.Terminal() {
		tr.Outcome = OutcomeAbsorbed
		return tr, nil
	}
	if intent == IntentOptOut {
		tr.To, tr.Outcome, tr.Ruled = StateOptedOut, OutcomeAdvanced, true
		return tr, nil
	}
	if to, ok := m.table.Lookup(current, intent); ok {
		tr.To, tr.Ruled = to, true
		if to != current {
			tr.Outcome = OutcomeAdvanced
		}
	}
	return tr, nil
}
