package conversation

import (
	"context"
	"fmt"

	"github.com/rt4orgs/textflow/pkg/logging"
)

// Publisher enqueues conversation jobs for asynchronous processing.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueInbound publishes an inbound SMS. The provider message id doubles
// as the FIFO deduplication id.
func (p *Publisher) EnqueueInbound(ctx context.Context, msg InboundMessage) (string, error) {
	phone := msg.Phone()
	if phone == "" {
		return "", ErrInvalidPhone
	}
	return p.enqueue(ctx, queuePayload{Kind: jobTypeInbound, Inbound: &msg}, phone, msg.MessageSid)
}

// EnqueueFollowup publishes a follow-up nudge for phone.
func (p *Publisher) EnqueueFollowup(ctx context.Context, job FollowupJob) (string, error) {
	if job.Phone == "" {
		return "", ErrInvalidPhone
	}
	return p.enqueue(ctx, queuePayload{Kind: jobTypeFollowup, Followup: &job}, job.Phone, "")
}

func (p *Publisher) enqueue(ctx context.Context, payload queuePayload, groupID, dedupID string) (string, error) {
	payload, body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	if dedupID == "" {
		dedupID = payload.ID
	}

	if err := p.queue.Send(ctx, outgoingMessage{Body: body, GroupID: groupID, DeduplicationID: dedupID}); err != nil {
		return "", fmt.Errorf("conversation: failed to enqueue job: %w", err)
	}

	p.logger.Debug("conversation job enqueued", "job_id", payload.ID, "kind", payload.Kind, "phone", groupID)
	return payload.ID, nil
}
