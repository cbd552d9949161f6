package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rt4orgs/textflow/internal/conversation"
	"github.com/rt4orgs/textflow/internal/http/middleware"
	"github.com/rt4orgs/textflow/internal/intelligence"
	"github.com/rt4orgs/textflow/internal/messaging"
	"github.com/rt4orgs/textflow/pkg/logging"
)

// EngineBuilder builds a fresh engine from the current catalog source.
type EngineBuilder func(ctx context.Context) (*intelligence.Engine, error)

type followupPublisher interface {
	EnqueueFollowup(ctx context.Context, job conversation.FollowupJob) (string, error)
}

// AdminConfig wires the operator endpoints.
type AdminConfig struct {
	Service       *conversation.Service
	WebhookConfig messaging.WebhookConfigStore
	// Followups, when set, queues follow-ups for the worker instead of
	// sending them inline.
	Followups   followupPublisher
	BuildEngine EngineBuilder
	Logger      *logging.Logger
}

// AdminHandler serves /admin/*.
type AdminHandler struct {
	service   *conversation.Service
	webhook   messaging.WebhookConfigStore
	followups followupPublisher
	build     EngineBuilder
	logger    *logging.Logger
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	if cfg.Service == nil {
		panic("handlers: conversation service cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.WebhookConfig == nil {
		cfg.WebhookConfig = messaging.NewMemoryWebhookConfigStore(messaging.DefaultWebhookConfig())
	}
	return &AdminHandler{
		service:   cfg.Service,
		webhook:   cfg.WebhookConfig,
		followups: cfg.Followups,
		build:     cfg.BuildEngine,
		logger:    cfg.Logger,
	}
}

// Routes mounts the admin endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/classify", h.Classify)
	r.Post("/render", h.Render)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Post("/", h.StartConversation)
		r.Get("/{phone}", h.GetConversation)
		r.Post("/{phone}/reassign", h.Reassign)
		r.Post("/{phone}/followup", h.Followup)
	})

	r.Get("/owners/{ownerID}/templates", h.ListTemplates)
	r.Put("/owners/{ownerID}/templates/{key}", h.PutTemplate)
	r.Delete("/owners/{ownerID}/templates/{key}", h.DeleteTemplate)

	r.Get("/webhook/config", h.GetWebhookConfig)
	r.Put("/webhook/config", h.PutWebhookConfig)

	r.Post("/catalog/reload", h.ReloadCatalog)
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Classify runs the classifier on arbitrary text.
func (h *AdminHandler) Classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.service.Engine().Classify(r.Context(), req.Text))
}

type renderRequest struct {
	State        string            `json:"state"`
	Unrecognized bool              `json:"unrecognized,omitempty"`
	OwnerID      string            `json:"owner_id,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Render previews a template with the owner's runtime overrides applied.
func (h *AdminHandler) Render(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := intelligence.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	variant := intelligence.VariantStanding
	if req.Unrecognized {
		variant = intelligence.VariantUnrecognized
	}
	var overrides map[string]string
	if req.OwnerID != "" {
		overrides, err = h.service.Templates().Overrides(r.Context(), req.OwnerID)
		if err != nil {
			h.logger.Error("failed to load template overrides", "error", err, "owner_id", req.OwnerID)
			writeDomainError(w, err)
			return
		}
	}
	rendered, err := h.service.Engine().Render(intelligence.RenderRequest{
		State:     state,
		Variant:   variant,
		Context:   req.Context,
		OwnerID:   req.OwnerID,
		Overrides: overrides,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rendered)
}

// ListConversations supports ?state=, ?owner_id=, ?terminal=true and
// ?limit=.
func (h *AdminHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := conversation.ListFilter{OwnerID: strings.TrimSpace(q.Get("owner_id"))}
	if v := q.Get("state"); v != "" {
		state, err := intelligence.ParseState(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.State = state
	}
	if v := q.Get("terminal"); v != "" {
		terminal, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "terminal must be a boolean")
			return
		}
		filter.TerminalOnly = terminal
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	convs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		writeDomainError(w, err)
		return
	}
	if convs == nil {
		convs = []intelligence.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "count": len(convs)})
}

func (h *AdminHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.service.Get(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// StartConversation opens outreach to a new lead.
func (h *AdminHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req conversation.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.StartOutreach(r.Context(), req)
	if err != nil {
		if result.Conversation.Phone != "" {
			// Persisted but the intro failed to send.
			h.logger.Error("outreach intro not delivered", "error", err, "phone", result.Conversation.Phone)
			writeJSON(w, http.StatusAccepted, result)
			return
		}
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("failed to start outreach", "error", err)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type reassignRequest struct {
	OwnerID string `json:"owner_id"`
}

func (h *AdminHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	conv, err := h.service.Reassign(r.Context(), chi.URLParam(r, "phone"), req.OwnerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type followupRequest struct {
	Target string `json:"target"`
}

// Followup nudges a quiet lead into a follow-up state.
func (h *AdminHandler) Followup(w http.ResponseWriter, r *http.Request) {
	var req followupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := intelligence.ParseState(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	phone := chi.URLParam(r, "phone")

	if h.followups != nil {
		normalized := messaging.NormalizeE164(phone)
		if normalized == "" {
			writeDomainError(w, conversation.ErrInvalidPhone)
			return
		}
		jobID, err := h.followups.EnqueueFollowup(r.Context(), conversation.FollowupJob{Phone: normalized, Target: target.String()})
		if err != nil {
			h.logger.Error("failed to enqueue followup", "error", err, "phone", normalized)
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	result, err := h.service.Followup(r.Context(), phone, target)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	overrides, err := h.service.Templates().Overrides(r.Context(), ownerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if overrides == nil {
		overrides = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "templates": overrides})
}

type templateRequest struct {
	Text string `json:"text"`
}

func (h *AdminHandler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	key := chi.URLParam(r, "key")
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := h.service.Templates().Put(r.Context(), ownerID, key, req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.Info("owner template updated", "owner_id", ownerID, "template", key)
	writeJSON(w, http.StatusOK, map[string]string{"owner_id": ownerID, "key": key, "text": req.Text})
}

func (h *AdminHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	key := chi.URLParam(r, "key")
	if err := h.service.Templates().Delete(r.Context(), ownerID, key); err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.Info("owner template removed", "owner_id", ownerID, "template", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) GetWebhookConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.webhook.Get(r.Context())
	if err != nil {
		h.logger.Warn("webhook config read fell back", "error", err)
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *AdminHandler) PutWebhookConfig(w http.ResponseWriter, r *http.Request) {
	var cfg messaging.WebhookConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.webhook.Set(r.Context(), cfg); err != nil {
		h.logger.Error("failed to save webhook config", "error", err)
		writeDomainError(w, err)
		return
	}
	subject := ""
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok {
		subject = claims.Subject
	}
	h.logger.Info("webhook config updated", "enabled", cfg.Enabled, "mode", string(cfg.Mode), "log_payloads", cfg.LogPayloads, "admin", subject)
	writeJSON(w, http.StatusOK, cfg)
}

// ReloadCatalog rebuilds the engine and swaps it in. In-flight messages
// finish on the previous engine.
func (h *AdminHandler) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	if h.build == nil {
		writeError(w, http.StatusNotImplemented, "catalog reload is not configured")
		return
	}
	engine, err := h.build(r.Context())
	if err != nil {
		h.logger.Error("catalog reload failed", "error", err)
		if errors.Is(err, intelligence.ErrInvalidCatalog) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	h.service.SwapEngine(engine)
	intents := engine.Classifier().Lexicon().Len()
	threshold := engine.Classifier().Threshold()
	h.logger.Info("catalog reloaded", "intents", intents, "threshold", threshold)
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "intents": intents, "threshold": threshold})
}
