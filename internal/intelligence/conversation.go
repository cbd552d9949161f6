package intelligence

import "time"

// Direction of a message relative to the business.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageEvent is one entry of a conversation's history.
type MessageEvent struct {
	Direction  Direction `json:"direction"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
	Intent     IntentID  `json:"intent,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	// TemplateKey records which template produced an outbound event.
	TemplateKey string `json:"template_key,omitempty"`
	// Suppressed marks an outbound event that was decided but not sent.
	Suppressed bool `json:"suppressed,omitempty"`
}

// Conversation is the caller-owned snapshot the engine transforms. The
// engine never mutates the value it is given.
type Conversation struct {
	Phone   string            `json:"phone"`
	OwnerID string            `json:"owner_id"`
	CardID  string            `json:"card_id,omitempty"`
	State   State             `json:"state"`
	History []MessageEvent    `json:"history"`
	Context map[string]string `json:"context,omitempty"`
	// Version is carried through unchanged for the caller's optimistic
	// concurrency control.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the conversation needs a human from here on.
func (c Conversation) Terminal() bool {
	return c.State.Terminal()
}

// LastInbound returns the most recent inbound event.
func (c Conversation) LastInbound() (MessageEvent, bool) {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Direction == DirectionInbound {
			return c.History[i], true
		}
	}
	return MessageEvent{}, false
}

// withEvents returns a copy of c whose history is a fresh slice holding the
// old entries followed by events.
func (c Conversation) withEvents(events ...MessageEvent) Conversation {
	history := make([]MessageEvent, len(c.History), len(c.History)+len(events))
	copy(history, c.History)
	c.History = append(history, events...)
	if c.Context != nil {
		ctx := make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			ctx[k] = v
		}
		c.Context = ctx
	}
	return c
}

// renderContext merges card-derived fields with conversation fields.
// Conversation fields win.
func (c Conversation) renderContext(state State) map[string]string {
	ctx := make(map[string]string, len(c.Context)+3)
	for k, v := range c.Context {
		ctx[k] = v
	}
	ctx["phone"] = c.Phone
	ctx["owner_id"] = c.OwnerID
	ctx["state"] = state.String()
	return ctx
}
