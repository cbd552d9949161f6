package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/internal/messaging"
	"github.com/rt4orgs/textflow/internal/messaging/compliance"
	"github.com/rt4orgs/textflow/internal/observability/metrics"
	"github.com/rt4orgs/textflow/pkg/logging"
)

// ProviderTwilio is the provider name inbound events are deduplicated under.
const ProviderTwilio = "twilio"

var (
	// ErrInvalidPhone is returned when a phone number has no digits.
	ErrInvalidPhone = errors.New("conversation: invalid phone number")
	// ErrQuietHours is returned when a nudge falls inside quiet hours.
	ErrQuietHours = errors.New("conversation: quiet hours")
	// ErrExists is returned when outreach targets a phone that already has
	// a conversation.
	ErrExists = errors.New("conversation: already exists")
	// ErrDeliveryFailed is returned when state was saved but the reply
	// could not be sent. The transition is not replayed.
	ErrDeliveryFailed = errors.New("conversation: reply not delivered")
)

// processedEventStore dedups provider events. HandleInbound checks it under
// the phone lock and marks an event only once its transition is saved, so a
// job that fails before the save can be redelivered.
type processedEventStore interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// InboundMessage is one SMS received from a lead.
type InboundMessage struct {
	MessageSid string    `json:"message_sid"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Phone is the normalized sender number the conversation is keyed by.
func (m InboundMessage) Phone() string {
	return messaging.NormalizeE164(m.From)
}

// Delivery controls how HandleInbound hands the reply back.
type Delivery int

const (
	// DeliverSend sends the reply through the configured Sender.
	DeliverSend Delivery = iota
	// DeliverInline leaves sending to the caller, e.g. a TwiML response.
	DeliverInline
)

// InboundOutcome is what HandleInbound did with one message.
type InboundOutcome struct {
	Duplicate         bool                       `json:"duplicate"`
	Result            intelligence.InboundResult `json:"result"`
	Delivered         bool                       `json:"delivered"`
	ProviderMessageID string                     `json:"provider_message_id,omitempty"`
}

// Reply is the text to send back, or "" when nothing should go out.
func (o InboundOutcome) Reply() string {
	if o.Duplicate || !o.Result.Send {
		return ""
	}
	return o.Result.Outbound
}

// Service runs the engine for stored conversations. It serializes work per
// phone with its Locker and dedups inbound events while holding it.
type Service struct {
	engine    atomic.Pointer[intelligence.Engine]
	store     Store
	templates TemplateStore
	locker    Locker
	cfg       serviceConfig
	tracer    trace.Tracer
}

type serviceConfig struct {
	processed    processedEventStore
	sender       messaging.Sender
	quiet        compliance.QuietHours
	defaultOwner string
	fromNumber   string
	engineStats  *metrics.EngineMetrics
	messageStats *metrics.MessagingMetrics
	logger       *logging.Logger
	now          func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*serviceConfig)

// WithProcessedStore enables inbound dedup by provider message id.
func WithProcessedStore(store processedEventStore) ServiceOption {
	return func(cfg *serviceConfig) { cfg.processed = store }
}

// WithSender sets the outbound transport.
func WithSender(sender messaging.Sender) ServiceOption {
	return func(cfg *serviceConfig) {
		if sender != nil {
			cfg.sender = sender
		}
	}
}

// WithQuietHours holds follow-up nudges inside the window.
func WithQuietHours(q compliance.QuietHours) ServiceOption {
	return func(cfg *serviceConfig) { cfg.quiet = q }
}

// WithDefaultOwner sets the owner of conversations created by inbound texts.
func WithDefaultOwner(ownerID string) ServiceOption {
	return func(cfg *serviceConfig) {
		if strings.TrimSpace(ownerID) != "" {
			cfg.defaultOwner = strings.TrimSpace(ownerID)
		}
	}
}

// WithFromNumber sets the sending number used for replies.
func WithFromNumber(from string) ServiceOption {
	return func(cfg *serviceConfig) { cfg.fromNumber = from }
}

// WithMetrics attaches engine and messaging observers.
func WithMetrics(engineStats *metrics.EngineMetrics, messageStats *metrics.MessagingMetrics) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.engineStats = engineStats
		cfg.messageStats = messageStats
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *logging.Logger) ServiceOption {
	return func(cfg *serviceConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(cfg *serviceConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// NewService wires the engine to its collaborators. A nil locker selects a
// MemoryLocker and nil templates a MemoryTemplateStore.
func NewService(engine *intelligence.Engine, store Store, templates TemplateStore, locker Locker, opts ...ServiceOption) *Service {
	if engine == nil {
		panic("conversation: engine cannot be nil")
	}
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if templates == nil {
		templates = NewMemoryTemplateStore()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	cfg := serviceConfig{
		defaultOwner: "default",
		logger:       logging.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sender == nil {
		cfg.sender = messaging.NewLogSender(cfg.logger)
	}
	s := &Service{
		store:     store,
		templates: templates,
		locker:    locker,
		cfg:       cfg,
		tracer:    otel.Tracer("textflow.internal.conversation.service"),
	}
	s.engine.Store(engine)
	return s
}

// Engine returns the engine currently in use.
func (s *Service) Engine() *intelligence.Engine {
	return s.engine.Load()
}

// SwapEngine installs a rebuilt engine. Calls already running finish on the
// previous one.
func (s *Service) SwapEngine(engine *intelligence.Engine) {
	if engine == nil {
		return
	}
	s.engine.Store(engine)
	s.cfg.logger.Info("conversation engine swapped")
}

// Templates exposes the owner template store.
func (s *Service) Templates() TemplateStore {
	return s.templates
}

// HandleInbound processes one inbound SMS end to end: lock the phone, dedup,
// load or create the conversation, run the engine, persist, mark the event
// processed, then deliver.
func (s *Service) HandleInbound(ctx context.Context, msg InboundMessage, delivery Delivery) (InboundOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.handle_inbound")
	defer span.End()
	started := s.cfg.now()
	defer func() { s.cfg.messageStats.ObserveProcessing(s.cfg.now().Sub(started).Seconds()) }()

	phone := msg.Phone()
	if phone == "" {
		s.cfg.messageStats.ObserveInbound("invalid")
		return InboundOutcome{}, ErrInvalidPhone
	}
	span.SetAttributes(attribute.String("message.sid", msg.MessageSid))

	unlock, err := s.locker.Lock(ctx, phone)
	if err != nil {
		span.RecordError(err)
		s.cfg.messageStats.ObserveInbound("error")
		return InboundOutcome{}, fmt.Errorf("conversation: lock %s: %w", phone, err)
	}
	defer unlock()

	if s.cfg.processed != nil && msg.MessageSid != "" {
		seen, err := s.cfg.processed.AlreadyProcessed(ctx, ProviderTwilio, msg.MessageSid)
		if err != nil {
			span.RecordError(err)
			s.cfg.messageStats.ObserveInbound("error")
			return InboundOutcome{}, fmt.Errorf("conversation: dedup inbound: %w", err)
		}
		if seen {
			s.cfg.messageStats.ObserveInbound("duplicate")
			s.cfg.logger.Info("duplicate inbound message skipped", "message_sid", msg.MessageSid, "phone", phone)
			return InboundOutcome{Duplicate: true}, nil
		}
	}

	at := msg.ReceivedAt
	if at.IsZero() {
		at = s.cfg.now()
	}
	at = at.UTC()

	conv, err := s.store.Get(ctx, phone)
	switch {
	case errors.Is(err, ErrNotFound):
		conv = intelligence.Conversation{
			Phone:     phone,
			OwnerID:   s.cfg.defaultOwner,
			State:     intelligence.StateInitialOutreach,
			CreatedAt: at,
		}
	case err != nil:
		span.RecordError(err)
		s.cfg.messageStats.ObserveInbound("error")
		if errors.Is(err, intelligence.ErrInvalidState) {
			s.cfg.logger.Error("conversation has unknown state", "phone", phone, "error", err)
		}
		return InboundOutcome{}, err
	}

	engine := s.Engine()
	result, err := engine.ProcessInbound(ctx, conv, msg.Body, at, s.overrides(ctx, conv.OwnerID))
	if err != nil {
		span.RecordError(err)
		s.cfg.messageStats.ObserveInbound("error")
		s.cfg.logger.Error("engine rejected conversation", "phone", phone, "state", conv.State.String(), "error", err)
		return InboundOutcome{}, err
	}

	saved, err := s.store.Save(ctx, result.Conversation)
	if err != nil {
		span.RecordError(err)
		s.cfg.messageStats.ObserveInbound("error")
		return InboundOutcome{}, fmt.Errorf("conversation: persist %s: %w", phone, err)
	}
	result.Conversation = saved
	s.markProcessed(ctx, msg.MessageSid, phone)
	s.observeInbound(phone, result)
	s.cfg.messageStats.ObserveInbound("processed")

	outcome := InboundOutcome{Result: result}
	if delivery == DeliverSend && result.Send {
		res, err := s.send(ctx, saved, result.Outbound)
		if err != nil {
			span.RecordError(err)
			return outcome, err
		}
		outcome.Delivered = true
		outcome.ProviderMessageID = res.ProviderMessageID
	} else if !result.Send {
		s.cfg.messageStats.ObserveOutbound("suppressed", true)
	}
	return outcome, nil
}

// PreviewInbound runs the engine against the stored snapshot without
// persisting or sending anything.
func (s *Service) PreviewInbound(ctx context.Context, msg InboundMessage) (intelligence.InboundResult, error) {
	phone := msg.Phone()
	if phone == "" {
		return intelligence.InboundResult{}, ErrInvalidPhone
	}
	conv, err := s.store.Get(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		conv = intelligence.Conversation{Phone: phone, OwnerID: s.cfg.defaultOwner, State: intelligence.StateInitialOutreach}
	} else if err != nil {
		return intelligence.InboundResult{}, err
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = s.cfg.now().UTC()
	}
	return s.Engine().ProcessInbound(ctx, conv, msg.Body, at, s.overrides(ctx, conv.OwnerID))
}

// StartRequest opens a new outbound conversation.
type StartRequest struct {
	Phone   string            `json:"phone"`
	OwnerID string            `json:"owner_id"`
	CardID  string            `json:"card_id,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// StartOutreach creates the conversation and sends the intro message.
func (s *Service) StartOutreach(ctx context.Context, req StartRequest) (intelligence.OutboundResult, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.start_outreach")
	defer span.End()

	phone := messaging.NormalizeE164(req.Phone)
	if phone == "" {
		return intelligence.OutboundResult{}, ErrInvalidPhone
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = s.cfg.defaultOwner
	}

	unlock, err := s.locker.Lock(ctx, phone)
	if err != nil {
		return intelligence.OutboundResult{}, fmt.Errorf("conversation: lock %s: %w", phone, err)
	}
	defer unlock()

	if _, err := s.store.Get(ctx, phone); err == nil {
		return intelligence.OutboundResult{}, fmt.Errorf("%w: %s", ErrExists, phone)
	} else if !errors.Is(err, ErrNotFound) {
		return intelligence.OutboundResult{}, err
	}

	result, err := s.Engine().StartOutreach(phone, owner, req.Context, s.cfg.now().UTC(), s.overrides(ctx, owner))
	if err != nil {
		return intelligence.OutboundResult{}, err
	}
	result.Conversation.CardID = req.CardID
	saved, err := s.store.Save(ctx, result.Conversation)
	if err != nil {
		span.RecordError(err)
		return intelligence.OutboundResult{}, fmt.Errorf("conversation: persist %s: %w", phone, err)
	}
	result.Conversation = saved
	s.logUnresolved(phone, result.Rendered)
	s.cfg.logger.Info("outreach started", "phone", phone, "owner_id", owner)

	if result.Send {
		if _, err := s.send(ctx, saved, result.Outbound); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Followup nudges a quiet conversation into target. Terminal conversations
// are left alone and nudges inside quiet hours return ErrQuietHours.
func (s *Service) Followup(ctx context.Context, phone string, target intelligence.State) (intelligence.OutboundResult, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.followup")
	defer span.End()

	phone = messaging.NormalizeE164(phone)
	if phone == "" {
		return intelligence.OutboundResult{}, ErrInvalidPhone
	}
	now := s.cfg.now()
	if s.cfg.quiet.Suppress(now, compliance.PurposeNudge) {
		return intelligence.OutboundResult{}, fmt.Errorf("%w: next window opens %s", ErrQuietHours, s.cfg.quiet.NextOpen(now).Format(time.RFC3339))
	}

	unlock, err := s.locker.Lock(ctx, phone)
	if err != nil {
		return intelligence.OutboundResult{}, fmt.Errorf("conversation: lock %s: %w", phone, err)
	}
	defer unlock()

	conv, err := s.store.Get(ctx, phone)
	if err != nil {
		return intelligence.OutboundResult{}, err
	}
	result, err := s.Engine().Followup(ctx, conv, target, now.UTC(), s.overrides(ctx, conv.OwnerID))
	if err != nil {
		return intelligence.OutboundResult{}, err
	}
	if !result.Send && conv.State.Terminal() {
		s.cfg.logger.Info("followup skipped for terminal conversation", "phone", phone, "state", conv.State.String())
		return result, nil
	}
	saved, err := s.store.Save(ctx, result.Conversation)
	if err != nil {
		span.RecordError(err)
		return intelligence.OutboundResult{}, fmt.Errorf("conversation: persist %s: %w", phone, err)
	}
	result.Conversation = saved
	s.cfg.engineStats.ObserveTransition(conv.State.String(), target.String(), string(intelligence.OutcomeAdvanced))
	s.logUnresolved(phone, result.Rendered)

	if result.Send {
		if _, err := s.send(ctx, saved, result.Outbound); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Reassign hands a conversation to another owner and restarts it.
func (s *Service) Reassign(ctx context.Context, phone, ownerID string) (intelligence.Conversation, error) {
	phone = messaging.NormalizeE164(phone)
	if phone == "" {
		return intelligence.Conversation{}, ErrInvalidPhone
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return intelligence.Conversation{}, errors.New("conversation: owner id required")
	}

	unlock, err := s.locker.Lock(ctx, phone)
	if err != nil {
		return intelligence.Conversation{}, fmt.Errorf("conversation: lock %s: %w", phone, err)
	}
	defer unlock()

	conv, err := s.store.Get(ctx, phone)
	if err != nil {
		return intelligence.Conversation{}, err
	}
	next, err := s.Engine().Reassign(conv, ownerID)
	if err != nil {
		return intelligence.Conversation{}, err
	}
	saved, err := s.store.Save(ctx, next)
	if err != nil {
		return intelligence.Conversation{}, fmt.Errorf("conversation: persist %s: %w", phone, err)
	}
	s.cfg.logger.Info("conversation reassigned", "phone", phone, "from_owner", conv.OwnerID, "owner_id", ownerID, "previous_state", conv.State.String())
	return saved, nil
}

// Get loads one conversation.
func (s *Service) Get(ctx context.Context, phone string) (intelligence.Conversation, error) {
	phone = messaging.NormalizeE164(phone)
	if phone == "" {
		return intelligence.Conversation{}, ErrInvalidPhone
	}
	return s.store.Get(ctx, phone)
}

// List returns conversations matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]intelligence.Conversation, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) overrides(ctx context.Context, ownerID string) map[string]string {
	if ownerID == "" {
		return nil
	}
	set, err := s.templates.Overrides(ctx, ownerID)
	if err != nil {
		s.cfg.logger.Warn("failed to load owner templates, using catalog", "owner_id", ownerID, "error", err)
		return nil
	}
	return set
}

func (s *Service) send(ctx context.Context, conv intelligence.Conversation, body string) (messaging.SendResult, error) {
	res, err := s.cfg.sender.Send(ctx, messaging.OutboundMessage{
		To:      conv.Phone,
		From:    s.cfg.fromNumber,
		Body:    body,
		OwnerID: conv.OwnerID,
	})
	if err != nil {
		s.cfg.messageStats.ObserveOutbound("error", false)
		s.cfg.logger.Error("failed to deliver reply", "phone", conv.Phone, "error", err)
		return res, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	s.cfg.messageStats.ObserveOutbound("sent", false)
	return res, nil
}

// markProcessed records a saved inbound event. Failures are logged; the
// saved transition stands.
func (s *Service) markProcessed(ctx context.Context, sid, phone string) {
	if s.cfg.processed == nil || sid == "" {
		return
	}
	if _, err := s.cfg.processed.MarkProcessed(ctx, ProviderTwilio, sid); err != nil {
		s.cfg.logger.Error("failed to mark inbound message processed", "message_sid", sid, "phone", phone, "error", err)
	}
}

func (s *Service) observeInbound(phone string, result intelligence.InboundResult) {
	cls := result.Classification
	tr := result.Transition
	s.cfg.engineStats.ObserveClassification(string(cls.Intent), cls.Confidence)
	s.cfg.engineStats.ObserveTransition(tr.From.String(), tr.To.String(), string(tr.Outcome))
	s.cfg.logger.Info("conversation transitioned",
		"phone", phone,
		"owner_id", result.Conversation.OwnerID,
		"intent", string(cls.Intent),
		"confidence", cls.Confidence,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"outcome", string(tr.Outcome),
	)
	if cls.Failure != "" {
		s.cfg.logger.Debug("classification fell back to unknown", "phone", phone, "reason", cls.Failure)
	}
	if tr.Outcome == intelligence.OutcomeAbsorbed {
		s.cfg.logger.Info("message for terminal conversation needs a human", "phone", phone, "state", tr.To.String())
	}
	s.logUnresolved(phone, result.Rendered)
}

func (s *Service) logUnresolved(phone string, rendered intelligence.Rendered) {
	if len(rendered.Unresolved) == 0 {
		return
	}
	s.cfg.engineStats.ObserveUnresolved(rendered.Key, len(rendered.Unresolved))
	s.cfg.logger.Warn("template rendered with missing fields",
		"phone", phone,
		"template", rendered.Key,
		"fields", rendered.Unresolved,
	)
}
