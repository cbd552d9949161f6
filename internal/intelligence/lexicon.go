package intelligence

import (
	"fmt"
	"strings"
)

// IntentID labels a classified inbound message.
type IntentID string

const (
	// IntentUnknown is the classifier's answer when nothing clears the
	// confidence threshold. It cannot be declared in a lexicon.
	IntentUnknown IntentID = "unknown"

	// IntentOptOut is the reserved STOP-style intent. Every non-terminal
	// state moves to StateOptedOut on it.
	IntentOptOut IntentID = "opt_out"
)

// Intent is one entry of the lexicon.
type Intent struct {
	ID            IntentID
	Exemplars     []string
	MinConfidence float64
}

// Lexicon is the ordered, immutable intent catalog. Declaration order breaks
// classification ties.
type Lexicon struct {
	intents []Intent
	index   map[IntentID]int
}

// NewLexicon validates and freezes the given intents.
func NewLexicon(intents ...Intent) (*Lexicon, error) {
	if len(intents) == 0 {
		return nil, fmt.Errorf("%w: lexicon has no intents", ErrInvalidCatalog)
	}
	lex := &Lexicon{
		intents: make([]Intent, 0, len(intents)),
		index:   make(map[IntentID]int, len(intents)),
	}
	for _, in := range intents {
		id := IntentID(strings.TrimSpace(string(in.ID)))
		switch {
		case id == "":
			return nil, fmt.Errorf("%w: intent with empty id", ErrInvalidCatalog)
		case id == IntentUnknown:
			return nil, fmt.Errorf("%w: intent %q is reserved", ErrInvalidCatalog, id)
		case in.MinConfidence < 0 || in.MinConfidence > 1:
			return nil, fmt.Errorf("%w: intent %q min_confidence %v outside [0,1]", ErrInvalidCatalog, id, in.MinConfidence)
		}
		if _, dup := lex.index[id]; dup {
			return nil, fmt.Errorf("%w: duplicate intent %q", ErrInvalidCatalog, id)
		}

		exemplars := make([]string, 0, len(in.Exemplars))
		for _, ex := range in.Exemplars {
			if ex = strings.TrimSpace(ex); ex != "" {
				exemplars = append(exemplars, ex)
			}
		}
		if len(exemplars) == 0 {
			return nil, fmt.Errorf("%w: intent %q has no exemplars", ErrInvalidCatalog, id)
		}

		lex.index[id] = len(lex.intents)
		lex.intents = append(lex.intents, Intent{ID: id, Exemplars: exemplars, MinConfidence: in.MinConfidence})
	}
	return lex, nil
}

// Intents returns a copy of the intents in declaration order.
func (l *Lexicon) Intents() []Intent {
	out := make([]Intent, len(l.intents))
	for i, in := range l.intents {
		in.Exemplars = append([]string(nil), in.Exemplars...)
		out[i] = in
	}
	return out
}

// Lookup returns the declared intent with the given id.
func (l *Lexicon) Lookup(id IntentID) (Intent, bool) {
	i, ok := l.index[id]
	if !ok {
		return Intent{}, false
	}
	return l.intents[i], true
}

// Has reports whether id is declared or reserved.
func (l *Lexicon) Has(id IntentID) bool {
	if id == IntentUnknown || id == IntentOptOut {
		return true
	}
	_, ok := l.index[id]
	return ok
}

// Len is the number of declared intents.
func (l *Lexicon) Len() int {
	return len(l.intents)
}
