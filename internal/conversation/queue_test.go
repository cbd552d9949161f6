package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rt4orgs/textflow/pkg/logging"
)

func TestMemoryQueueSendReceive(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, outgoingMessage{Body: "a"}))
	require.NoError(t, q.Send(ctx, outgoingMessage{Body: "b"}))
	require.NoError(t, q.Send(ctx, outgoingMessage{Body: "c"}))
	assert.Equal(t, 3, q.Len())

	msgs, err := q.Receive(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)
	assert.Equal(t, "b", msgs[1].Body)
	assert.NotEmpty(t, msgs[0].ReceiptHandle)

	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Body)
}

func TestMemoryQueueReceiveTimesOut(t *testing.T) {
	q := NewMemoryQueue(1)
	msgs, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Send(context.Background(), outgoingMessage{Body: "full"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Send(ctx, outgoingMessage{Body: "blocked"}), context.DeadlineExceeded)

	drained, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	_, err = q.Receive(cancelled, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeSQS struct {
	sent    []*sqs.SendMessageInput
	deleted []string
	recv    []sqstypes.Message
	err     error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.recv}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueFIFOSetsRoutingKeys(t *testing.T) {
	api := &fakeSQS{}
	q := newSQSQueueWithAPI(api, "https://sqs.us-east-1.amazonaws.com/123/inbound.fifo")

	require.NoError(t, q.Send(context.Background(), outgoingMessage{Body: "{}", GroupID: "+15551234567", DeduplicationID: "SM1"}))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "+15551234567", aws.ToString(api.sent[0].MessageGroupId))
	assert.Equal(t, "SM1", aws.ToString(api.sent[0].MessageDeduplicationId))

	err := q.Send(context.Background(), outgoingMessage{Body: "{}"})
	assert.Error(t, err)
}

func TestSQSQueueStandardIgnoresRoutingKeys(t *testing.T) {
	api := &fakeSQS{}
	q := newSQSQueueWithAPI(api, "https://sqs.us-east-1.amazonaws.com/123/inbound")

	require.NoError(t, q.Send(context.Background(), outgoingMessage{Body: "{}", GroupID: "+15551234567", DeduplicationID: "SM1"}))
	assert.Nil(t, api.sent[0].MessageGroupId)
	assert.Nil(t, api.sent[0].MessageDeduplicationId)
}

func TestSQSQueueReceiveAndDelete(t *testing.T) {
	api := &fakeSQS{recv: []sqstypes.Message{{MessageId: aws.String("id-1"), Body: aws.String("body"), ReceiptHandle: aws.String("rh-1")}}}
	q := newSQSQueueWithAPI(api, "https://sqs.local/q")

	msgs, err := q.Receive(context.Background(), 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, queueMessage{ID: "id-1", Body: "body", ReceiptHandle: "rh-1"}, msgs[0])

	require.NoError(t, q.Delete(context.Background(), "rh-1"))
	require.NoError(t, q.Delete(context.Background(), ""))
	assert.Equal(t, []string{"rh-1"}, api.deleted)

	api.err = errors.New("throttled")
	_, err = q.Receive(context.Background(), 5, 1)
	assert.ErrorContains(t, err, "throttled")
}

type stubQueue struct {
	sent []outgoingMessage
	err  error
}

func (s *stubQueue) Send(_ context.Context, msg outgoingMessage) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubQueue) Receive(context.Context, int, int) ([]queueMessage, error) {
	return nil, context.Canceled
}

func (s *stubQueue) Delete(context.Context, string) error {
	return nil
}

func TestPublisherEnqueueInbound(t *testing.T) {
	queue := &stubQueue{}
	publisher := NewPublisher(queue, logging.New("error"))

	jobID, err := publisher.EnqueueInbound(context.Background(), InboundMessage{MessageSid: "SM1", From: "5551234567", Body: "yo"})
	require.NoError(t, err)
	require.Len(t, queue.sent, 1)

	sent := queue.sent[0]
	assert.Equal(t, "+15551234567", sent.GroupID)
	assert.Equal(t, "SM1", sent.DeduplicationID)

	var payload queuePayload
	require.NoError(t, json.Unmarshal([]byte(sent.Body), &payload))
	assert.Equal(t, jobID, payload.ID)
	assert.Equal(t, jobTypeInbound, payload.Kind)
	require.NotNil(t, payload.Inbound)
	assert.Equal(t, "yo", payload.Inbound.Body)
}

func TestPublisherEnqueueFollowup(t *testing.T) {
	queue := &stubQueue{}
	publisher := NewPublisher(queue, nil)

	jobID, err := publisher.EnqueueFollowup(context.Background(), FollowupJob{Phone: "+15551234567", Target: "followup_24hr"})
	require.NoError(t, err)
	assert.Equal(t, jobID, queue.sent[0].DeduplicationID)

	_, err = publisher.EnqueueFollowup(context.Background(), FollowupJob{Target: "followup_24hr"})
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestPublisherWrapsQueueErrors(t *testing.T) {
	publisher := NewPublisher(&stubQueue{err: errors.New("boom")}, nil)
	_, err := publisher.EnqueueInbound(context.Background(), InboundMessage{From: "+15551234567"})
	assert.ErrorContains(t, err, "failed to enqueue job")
}
