package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rt4orgs/textflow/internal/conversation"
	"github.com/rt4orgs/textflow/internal/messaging"
	"github.com/rt4orgs/textflow/internal/messaging/compliance"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

var twilioTracer = otel.Tracer("textflow.internal.http.twilio")

const defaultHelpReply = "Reply STOP to opt out. Msg&data rates may apply."

type inboundPublisher interface {
	EnqueueInbound(ctx context.Context, msg conversation.InboundMessage) (string, error)
}

// TwilioWebhookConfig wires the inbound SMS webhook.
type TwilioWebhookConfig struct {
	Service *conversation.Service
	// Publisher switches the webhook to async mode: messages are enqueued
	// and the worker replies through the REST API.
	Publisher     inboundPublisher
	Config        messaging.WebhookConfigStore
	AuthToken     string
	PublicBaseURL string
	HelpReply     string
	Metrics       *metrics.MessagingMetrics
	Logger        *logging.Logger
}

// TwilioWebhookHandler handles POST /webhooks/twilio/sms.
type TwilioWebhookHandler struct {
	service   *conversation.Service
	publisher inboundPublisher
	config    messaging.WebhookConfigStore
	detector  *compliance.Detector
	authToken string
	publicURL string
	helpReply string
	metrics   *metrics.MessagingMetrics
	logger    *logging.Logger
	now       func() time.Time
}

func NewTwilioWebhookHandler(cfg TwilioWebhookConfig) *TwilioWebhookHandler {
	if cfg.Service == nil {
		panic("handlers: conversation service cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Config == nil {
		cfg.Config = messaging.NewMemoryWebhookConfigStore(messaging.DefaultWebhookConfig())
	}
	return &TwilioWebhookHandler{
		service:   cfg.Service,
		publisher: cfg.Publisher,
		config:    cfg.Config,
		detector:  compliance.NewDetector(),
		authToken: cfg.AuthToken,
		publicURL: cfg.PublicBaseURL,
		helpReply: defaultString(cfg.HelpReply, defaultHelpReply),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// ServeHTTP answers Twilio with TwiML. Once the request is authentic the
// handler always returns 200, except when an async enqueue fails and a
// Twilio retry is wanted.
func (h *TwilioWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := twilioTracer.Start(r.Context(), "http.twilio.webhook")
	defer span.End()
	started := h.now()

	if h.authToken != "" {
		if !messaging.ValidateTwilioSignature(r, h.authToken, messaging.WebhookURL(r, h.publicURL)) {
			h.logger.Warn("invalid twilio signature", "path", r.URL.Path)
			span.RecordError(errors.New("invalid twilio signature"))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	cfg, err := h.config.Get(ctx)
	if err != nil {
		h.logger.Warn("webhook config unavailable, using fallback", "error", err)
	}
	mode := string(cfg.Mode)
	defer func() { h.metrics.ObserveWebhookLatency(mode, h.now().Sub(started).Seconds()) }()

	if !cfg.Enabled {
		h.metrics.ObserveInbound("disabled")
		writeTwiML(w, "")
		return
	}

	webhook, err := messaging.ParseTwilioWebhook(r)
	if err != nil {
		h.logger.Error("invalid twilio payload", "error", err)
		span.RecordError(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("textflow.twilio.message_sid", webhook.MessageSid),
		attribute.String("textflow.webhook.mode", mode),
	)
	if cfg.LogPayloads {
		h.logger.Info("twilio payload", "message_sid", webhook.MessageSid, "from", webhook.From, "to", webhook.To, "body", webhook.Body, "num_media", webhook.NumMedia)
	}

	msg := conversation.InboundMessage{
		MessageSid: webhook.MessageSid,
		From:       webhook.From,
		To:         webhook.To,
		Body:       webhook.Body,
		ReceivedAt: h.now().UTC(),
	}

	switch cfg.Mode {
	case messaging.ModePaused:
		h.metrics.ObserveInbound("paused")
		writeTwiML(w, "")
		return
	case messaging.ModeDryRun:
		h.dryRun(ctx, w, msg)
		return
	}

	if h.detector.IsHelp(webhook.Body) {
		h.metrics.ObserveInbound("help")
		writeTwiML(w, h.helpReply)
		return
	}

	if h.publisher != nil {
		publishCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		jobID, err := h.publisher.EnqueueInbound(publishCtx, msg)
		if err != nil {
			h.logger.Error("failed to enqueue inbound message", "error", err, "message_sid", msg.MessageSid)
			span.RecordError(err)
			http.Error(w, "Failed to schedule reply", http.StatusInternalServerError)
			return
		}
		h.metrics.ObserveInbound("queued")
		h.logger.Info("twilio webhook accepted", "job_id", jobID, "message_sid", msg.MessageSid)
		writeTwiML(w, "")
		return
	}

	outcome, err := h.service.HandleInbound(ctx, msg, conversation.DeliverInline)
	if err != nil {
		h.logger.Error("failed to handle inbound message", "error", err, "message_sid", msg.MessageSid, "phone", msg.Phone())
		span.RecordError(err)
		writeTwiML(w, "")
		return
	}
	reply := outcome.Reply()
	if reply != "" {
		h.metrics.ObserveOutbound("twiml", false)
	}
	writeTwiML(w, reply)
}

func (h *TwilioWebhookHandler) dryRun(ctx context.Context, w http.ResponseWriter, msg conversation.InboundMessage) {
	h.metrics.ObserveInbound("dry_run")
	result, err := h.service.PreviewInbound(ctx, msg)
	if err != nil {
		h.logger.Warn("dry run failed", "error", err, "message_sid", msg.MessageSid)
		writeTwiML(w, "")
		return
	}
	h.logger.Info("dry run decision",
		"message_sid", msg.MessageSid,
		"phone", msg.Phone(),
		"intent", string(result.Classification.Intent),
		"confidence", result.Classification.Confidence,
		"from", result.Transition.From.String(),
		"to", result.Transition.To.String(),
		"reply", result.Outbound,
		"send", result.Send,
	)
	writeTwiML(w, "")
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
