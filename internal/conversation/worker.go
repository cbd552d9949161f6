package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/pkg/logging"
)

// jobProcessor is the subset of Service the worker drives.
type jobProcessor interface {
	HandleInbound(ctx context.Context, msg InboundMessage, delivery Delivery) (InboundOutcome, error)
	Followup(ctx context.Context, phone string, target intelligence.State) (intelligence.OutboundResult, error)
}

// Worker consumes conversation jobs from the queue and invokes the service.
type Worker struct {
	processor jobProcessor
	queue     Queue
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages one receive call may return.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// NewWorker builds a worker around the service.
func NewWorker(processor jobProcessor, queue Queue, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		processor: processor,
		queue:     queue,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches the consumer goroutines. They stop when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until every consumer goroutine has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive conversation jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation job", "error", err)
		w.deleteMessage(msg.ReceiptHandle)
		return
	}

	err := w.process(ctx, payload)
	switch {
	case err == nil:
		w.deleteMessage(msg.ReceiptHandle)
	case retryable(err):
		// Left on the queue; the visibility timeout redelivers it.
		w.logger.Warn("conversation job will be retried", "job_id", payload.ID, "kind", payload.Kind, "error", err)
	default:
		w.logger.Error("conversation job failed", "job_id", payload.ID, "kind", payload.Kind, "error", err)
		w.deleteMessage(msg.ReceiptHandle)
	}
}

func (w *Worker) process(ctx context.Context, payload queuePayload) error {
	switch payload.Kind {
	case jobTypeInbound:
		if payload.Inbound == nil {
			return fmt.Errorf("conversation: inbound job %s has no message", payload.ID)
		}
		outcome, err := w.processor.HandleInbound(ctx, *payload.Inbound, DeliverSend)
		if err != nil {
			return err
		}
		w.logger.Debug("inbound job processed", "job_id", payload.ID, "duplicate", outcome.Duplicate, "delivered", outcome.Delivered)
		return nil
	case jobTypeFollowup:
		if payload.Followup == nil {
			return fmt.Errorf("conversation: followup job %s has no target", payload.ID)
		}
		target, err := intelligence.ParseState(payload.Followup.Target)
		if err != nil {
			return err
		}
		_, err = w.processor.Followup(ctx, payload.Followup.Phone, target)
		return err
	default:
		return fmt.Errorf("conversation: unknown job type %q", payload.Kind)
	}
}

// retryable reports whether a failed job should stay on the queue. Lock
// timeouts and store races happen before the inbound event is marked, so a
// redelivery reprocesses it. ErrDeliveryFailed comes after the save and is
// dropped.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrQuietHours):
		return true
	default:
		return false
	}
}

func (w *Worker) deleteMessage(receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation job", "error", err)
	}
}
