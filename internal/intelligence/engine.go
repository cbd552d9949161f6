// Package intelligence is the conversation intelligence engine: it
// classifies an inbound SMS, advances the conversation state machine and
// renders the reply.
//
// The engine is synchronous and holds only read-only configuration. Callers
// own persistence and delivery and must serialize calls per phone number:
// two concurrent inbound messages for one conversation must never be
// processed against the same snapshot. Callers must also dedup inbound
// events; every call is assumed to be the only one for its event.
package intelligence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFollowupState is returned when Followup is asked to move a
// conversation into a state that is not a follow-up state.
var ErrNotFollowupState = errors.New("intelligence: not a follow-up state")

// Engine composes the classifier, machine and templates.
type Engine struct {
	classifier *Classifier
	machine    *Machine
	templates  *Templates
}

// NewEngine wires the three components together.
func NewEngine(classifier *Classifier, machine *Machine, templates *Templates) (*Engine, error) {
	if classifier == nil || machine == nil || templates == nil {
		return nil, fmt.Errorf("%w: engine needs classifier, machine and templates", ErrInvalidCatalog)
	}
	return &Engine{classifier: classifier, machine: machine, templates: templates}, nil
}

// InboundResult is the outcome of ProcessInbound.
type InboundResult struct {
	Conversation   Conversation   `json:"conversation"`
	Outbound       string         `json:"outbound"`
	Send           bool           `json:"send"`
	Classification Classification `json:"classification"`
	Transition     Transition     `json:"transition"`
	Rendered       Rendered       `json:"rendered"`
}

// OutboundResult is the outcome of an engine-initiated message.
type OutboundResult struct {
	Conversation Conversation `json:"conversation"`
	Outbound     string       `json:"outbound"`
	Send         bool         `json:"send"`
	Rendered     Rendered     `json:"rendered"`
}

// Classify exposes the classifier.
func (e *Engine) Classify(ctx context.Context, text string) Classification {
	return e.classifier.Classify(ctx, text)
}

// Transition exposes the state machine.
func (e *Engine) Transition(current State, intent IntentID) (Transition, error) {
	return e.machine.Transition(current, intent)
}

// Render previews a template without touching any conversation.
func (e *Engine) Render(req RenderRequest) (Rendered, error) {
	return e.templates.Render(req)
}

// Classifier returns the engine's classifier.
func (e *Engine) Classifier() *Classifier { return e.classifier }

// Machine returns the engine's state machine.
func (e *Engine) Machine() *Machine { return e.machine }

// ProcessInbound classifies text, transitions conv and renders the reply.
// The returned conversation has exactly two more history entries than conv:
// the inbound event tagged with its intent, then the outbound event. When
// conv is terminal the outbound entry is marked Suppressed and Send is false.
func (e *Engine) ProcessInbound(ctx context.Context, conv Conversation, text string, at time.Time, overrides map[string]string) (InboundResult, error) {
	if !conv.State.Valid() {
		return InboundResult{}, fmt.Errorf("%w: conversation %s has state %s", ErrInvalidState, conv.Phone, conv.State)
	}

	cls := e.classifier.Classify(ctx, text)
	tr, err := e.machine.Transition(conv.State, cls.Intent)
	if err != nil {
		return InboundResult{}, err
	}

	inbound := MessageEvent{
		Direction:  DirectionInbound,
		Text:       text,
		At:         at,
		Intent:     cls.Intent,
		Confidence: cls.Confidence,
	}

	if tr.Outcome == OutcomeAbsorbed {
		outbound := MessageEvent{Direction: DirectionOutbound, At: at, Suppressed: true}
		return InboundResult{
			Conversation:   conv.withEvents(inbound, outbound),
			Classification: cls,
			Transition:     tr,
		}, nil
	}

	variant := VariantStanding
	if cls.Intent == IntentUnknown && tr.Outcome == OutcomeSelfLoop {
		variant = VariantUnrecognized
	}
	rendered, err := e.templates.Render(RenderRequest{
		State:     tr.To,
		Variant:   variant,
		Context:   conv.renderContext(tr.To),
		OwnerID:   conv.OwnerID,
		Overrides: overrides,
	})
	if err != nil {
		return InboundResult{}, err
	}

	send := strings.TrimSpace(rendered.Text) != ""
	outbound := MessageEvent{
		Direction:   DirectionOutbound,
		Text:        rendered.Text,
		At:          at,
		TemplateKey: rendered.Key,
		Suppressed:  !send,
	}
	next := conv.withEvents(inbound, outbound)
	next.State = tr.To

	return InboundResult{
		Conversation:   next,
		Outbound:       rendered.Text,
		Send:           send,
		Classification: cls,
		Transition:     tr,
		Rendered:       rendered,
	}, nil
}

// StartOutreach builds a new conversation in StateInitialOutreach whose
// first history entry is the rendered intro message.
func (e *Engine) StartOutreach(phone, ownerID string, context map[string]string, at time.Time, overrides map[string]string) (OutboundResult, error) {
	conv := Conversation{
		Phone:     phone,
		OwnerID:   ownerID,
		State:     StateInitialOutreach,
		Context:   context,
		CreatedAt: at,
		UpdatedAt: at,
	}
	return e.emit(conv, StateInitialOutreach, at, overrides)
}

// Followup moves a quiet, non-terminal conversation into a follow-up state
// and renders the nudge. Terminal conversations come back unchanged with
// Send false.
func (e *Engine) Followup(_ context.Context, conv Conversation, target State, at time.Time, overrides map[string]string) (OutboundResult, error) {
	if target != StateFollowup24h && target != StateFollowup10d {
		return OutboundResult{}, fmt.Errorf("%w: %s", ErrNotFollowupState, target)
	}
	if !conv.State.Valid() {
		return OutboundResult{}, fmt.Errorf("%w: conversation %s has state %s", ErrInvalidState, conv.Phone, conv.State)
	}
	if conv.State.Terminal() {
		return OutboundResult{Conversation: conv}, nil
	}
	return e.emit(conv, target, at, overrides)
}

// Reassign hands conv to another owner and restarts it at
// StateInitialOutreach. Opted-out conversations are never restarted.
func (e *Engine) Reassign(conv Conversation, ownerID string) (Conversation, error) {
	if !conv.State.Valid() {
		return Conversation{}, fmt.Errorf("%w: conversation %s has state %s", ErrInvalidState, conv.Phone, conv.State)
	}
	if conv.State == StateOptedOut {
		return Conversation{}, fmt.Errorf("%w: %s", ErrOptedOut, conv.Phone)
	}
	next := conv.withEvents()
	next.OwnerID = ownerID
	next.State = StateInitialOutreach
	return next, nil
}

func (e *Engine) emit(conv Conversation, state State, at time.Time, overrides map[string]string) (OutboundResult, error) {
	rendered, err := e.templates.Render(RenderRequest{
		State:     state,
		Context:   conv.renderContext(state),
		OwnerID:   conv.OwnerID,
		Overrides: overrides,
	})
	if err != nil {
		return OutboundResult{}, err
	}
	send := strings.TrimSpace(rendered.Text) != ""
	next := conv.withEvents(MessageEvent{
		Direction:   DirectionOutbound,
		Text:        rendered.Text,
		At:          at,
		TemplateKey: rendered.Key,
		Suppressed:  !send,
	})
	next.State = state
	return OutboundResult{Conversation: next, Outbound: rendered.Text, Send: send, Rendered: rendered}, nil
}
