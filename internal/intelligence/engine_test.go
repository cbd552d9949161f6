package intelligence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	engine, err := cat.Build(context.Background(), nil)
	require.NoError(t, err)
	return engine
}

func seededConversation(state State) Conversation {
	return Conversation{
		Phone:   "+15551234567",
		OwnerID: "owner-1",
		State:   state,
		Context: map[string]string{"name": "Jake", "fraternity": "Sigma Chi"},
		History: []MessageEvent{
			{Direction: DirectionOutbound, Text: "intro", At: testNow.Add(-time.Hour), TemplateKey: "initial_outreach"},
		},
		Version: 3,
	}
}

func TestProcessInboundPricingScenario(t *testing.T) {
	engine := defaultEngine(t)
	conv := seededConversation(StateInitialOutreach)

	res, err := engine.ProcessInbound(context.Background(), conv, "how much does this cost?", testNow, nil)
	require.NoError(t, err)

	assert.Equal(t, IntentID("pricing_question"), res.Classification.Intent)
	assert.GreaterOrEqual(t, res.Classification.Confidence, engine.Classifier().Threshold())
	assert.Equal(t, StatePricingQuestion, res.Conversation.State)
	assert.Equal(t, OutcomeAdvanced, res.Transition.Outcome)
	assert.True(t, res.Send)
	assert.True(t, strings.HasPrefix(res.Outbound, "Jake, for most chapters"), res.Outbound)
	assert.Contains(t, res.Outbound, "Sigma Chi", "organization resolves through the fraternity alias")
	assert.Empty(t, res.Rendered.Unresolved)
	assert.Equal(t, conv.Version, res.Conversation.Version)
}

func TestProcessInboundHistoryIsAppendOnly(t *testing.T) {
	engine := defaultEngine(t)
	conv := seededConversation(StateQuestion)
	conv.History = append(make([]MessageEvent, 0, 8), conv.History...)
	before := append([]MessageEvent(nil), conv.History...)

	for _, text := range []string{"maybe later", "zxqv plorb", "", "STOP", "ok"} {
		res, err := engine.ProcessInbound(context.Background(), conv, text, testNow, nil)
		require.NoError(t, err)
		require.Len(t, res.Conversation.History, len(conv.History)+2)
		assert.Equal(t, conv.History, res.Conversation.History[:len(conv.History)])

		in, out := res.Conversation.History[len(conv.History)], res.Conversation.History[len(conv.History)+1]
		assert.Equal(t, DirectionInbound, in.Direction)
		assert.Equal(t, text, in.Text)
		assert.Equal(t, res.Classification.Intent, in.Intent)
		assert.Equal(t, DirectionOutbound, out.Direction)
		assert.Equal(t, res.Outbound, out.Text)

		assert.Equal(t, before, conv.History, "input history must not be written")
		conv = res.Conversation
		before = append([]MessageEvent(nil), conv.History...)
	}
}

func TestProcessInboundDoesNotShareContext(t *testing.T) {
	engine := defaultEngine(t)
	conv := seededConversation(StateQuestion)
	res, err := engine.ProcessInbound(context.Background(), conv, "sounds good", testNow, nil)
	require.NoError(t, err)
	res.Conversation.Context["name"] = "changed"
	assert.Equal(t, "Jake", conv.Context["name"])
}

func TestProcessInboundStopScenario(t *testing.T) {
	engine := defaultEngine(t)
	conv := seededConversation(StatePricingQuestion)

	res, err := engine.ProcessInbound(context.Background(), conv, "STOP", testNow, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentOptOut, res.Classification.Intent)
	assert.Equal(t, StateOptedOut, res.Conversation.State)
	assert.True(t, res.Send, "the opt-out acknowledgment is sent once")
	assert.Equal(t, "opted_out", res.Rendered.Key)

	for _, text := range []string{"how much does this cost?", "yes im interested", "STOP", "start"} {
		next, err := engine.ProcessInbound(context.Background(), res.Conversation, text, testNow.Add(time.Minute), nil)
		require.NoError(t, err)
		assert.Equal(t, StateOptedOut, next.Conversation.State)
		assert.Equal(t, OutcomeAbsorbed, next.Transition.Outcome)
		assert.False(t, next.Send)
		assert.Empty(t, next.Outbound)

		last := next.Conversation.History[len(next.Conversation.History)-1]
		assert.True(t, last.Suppressed)
		assert.Empty(t, last.Text)
		res = next
	}
}

func TestProcessInboundGibberishScenario(t *testing.T) {
	engine := defaultEngine(t)

	res, err := engine.ProcessInbound(context.Background(), seededConversation(StateInitialOutreach), "zxqv plorb", testNow, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, res.Classification.Intent)
	assert.Equal(t, StateInitialOutreach, res.Conversation.State)
	assert.Equal(t, OutcomeSelfLoop, res.Transition.Outcome)
	assert.Equal(t, "initial_outreach.unrecognized", res.Rendered.Key)
	assert.Contains(t, res.Outbound, "Sigma Chi")

	// No unrecognized variant configured for pricing_question.
	res, err = engine.ProcessInbound(context.Background(), seededConversation(StatePricingQuestion), "zxqv plorb", testNow, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePricingQuestion, res.Conversation.State)
	assert.Equal(t, "pricing_question", res.Rendered.Key)
	assert.True(t, res.Send)
}

func TestProcessInboundOwnerOverrides(t *testing.T) {
	engine := defaultEngine(t)
	overrides := map[string]string{"pricing_question": "Hey {name}, ask {rep_name} for a quote."}

	res, err := engine.ProcessInbound(context.Background(), seededConversation(StateInitialOutreach), "how much does this cost", testNow, overrides)
	require.NoError(t, err)
	assert.Equal(t, "Hey Jake, ask  for a quote.", res.Outbound)
	assert.Equal(t, SourceOverride, res.Rendered.Source)
	assert.Equal(t, []string{"rep_name"}, res.Rendered.Unresolved)
}

func TestProcessInboundInvalidState(t *testing.T) {
	engine := defaultEngine(t)
	_, err := engine.ProcessInbound(context.Background(), seededConversation(StateInvalid), "hi", testNow, nil)
	require.True(t, errors.Is(err, ErrInvalidState))
}

func TestStartOutreach(t *testing.T) {
	engine := defaultEngine(t)
	res, err := engine.StartOutreach("+15550001111", "owner-1", map[string]string{"name": "Chris", "org": "Delta Tau", "rep_name": "David"}, testNow, nil)
	require.NoError(t, err)
	assert.Equal(t, StateInitialOutreach, res.Conversation.State)
	require.Len(t, res.Conversation.History, 1)
	assert.Equal(t, DirectionOutbound, res.Conversation.History[0].Direction)
	assert.Equal(t, "Hey Chris, this is David with rt4orgs. Want to see how Delta Tau's spring rush could look with a fresh, verified PNM list?", res.Outbound)
	assert.True(t, res.Send)
	assert.Equal(t, testNow, res.Conversation.CreatedAt)
}

func TestFollowup(t *testing.T) {
	engine := defaultEngine(t)
	ctx := context.Background()

	res, err := engine.Followup(ctx, seededConversation(StateStalled), StateFollowup24h, testNow, nil)
	require.NoError(t, err)
	assert.Equal(t, StateFollowup24h, res.Conversation.State)
	assert.Equal(t, "Yo Jake, still want the spring list?", res.Outbound)
	assert.Len(t, res.Conversation.History, 2)

	// Re-engagement from a follow-up state behaves like initial outreach.
	in, err := engine.ProcessInbound(ctx, res.Conversation, "how much does this cost", testNow.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, StatePricingQuestion, in.Conversation.State)

	terminal := seededConversation(StateWon)
	res, err = engine.Followup(ctx, terminal, StateFollowup10d, testNow, nil)
	require.NoError(t, err)
	assert.False(t, res.Send)
	assert.Equal(t, terminal, res.Conversation)

	_, err = engine.Followup(ctx, seededConversation(StateStalled), StateQuestion, testNow, nil)
	assert.ErrorIs(t, err, ErrNotFollowupState)
}

func TestReassign(t *testing.T) {
	engine := defaultEngine(t)

	got, err := engine.Reassign(seededConversation(StateLost), "owner-2")
	require.NoError(t, err)
	assert.Equal(t, "owner-2", got.OwnerID)
	assert.Equal(t, StateInitialOutreach, got.State)
	assert.Len(t, got.History, 1)

	_, err = engine.Reassign(seededConversation(StateOptedOut), "owner-2")
	assert.ErrorIs(t, err, ErrOptedOut)

	_, err = engine.Reassign(seededConversation(StateInvalid), "owner-2")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEveryStateRenders(t *testing.T) {
	engine := defaultEngine(t)
	for _, s := range AllStates() {
		r, err := engine.Render(RenderRequest{State: s, Context: map[string]string{"name": "Jake", "organization": "Kappa", "rep_name": "David"}})
		require.NoError(t, err)
		assert.NotEmpty(t, r.Text, "state %s", s)
		assert.Empty(t, r.Unresolved, "state %s", s)
	}
}
