package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue transports conversation jobs between the webhook and the worker.
type Queue interface {
	Send(ctx context.Context, msg outgoingMessage) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// outgoingMessage carries the FIFO routing keys alongside the body. GroupID
// is the phone so one conversation is never consumed in parallel.
type outgoingMessage struct {
	Body            string
	GroupID         string
	DeduplicationID string
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const (
	jobTypeInbound  jobType = "inbound"
	jobTypeFollowup jobType = "followup"
)

// FollowupJob asks the worker to nudge a quiet conversation.
type FollowupJob struct {
	Phone  string `json:"phone"`
	Target string `json:"target"`
}

type queuePayload struct {
	ID       string          `json:"id"`
	Kind     jobType         `json:"kind"`
	Inbound  *InboundMessage `json:"inbound,omitempty"`
	Followup *FollowupJob    `json:"followup,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.QueuedAt.IsZero() {
		payload.QueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
