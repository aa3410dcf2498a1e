package credits

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the billing HTTP surface: user-facing billing actions
// behind the identity middleware, plus the provider webhook endpoint which
// authenticates by signature instead.
type Handler struct {
	service    *Service
	reconciler *Reconciler
	provider   Provider
	log        *slog.Logger
}

// HandlerOption configures optional Handler settings.
type HandlerOption func(*Handler)

// WithHandlerLogger attaches a structured logger.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler creates the billing HTTP handler. Panics if required
// dependencies are nil to fail fast during initialization.
func NewHandler(service *Service, reconciler *Reconciler, provider Provider, opts ...HandlerOption) *Handler {
	if service == nil {
		panic("credits: Service is required")
	}
	if reconciler == nil {
		panic("credits: Reconciler is required")
	}
	if provider == nil {
		panic("credits: Provider is required")
	}

	h := &Handler{
		service:    service,
		reconciler: reconciler,
		provider:   provider,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the billing endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/billing/webhook", h.handleWebhook)

	// Redirect landing pages; the checkout session sends the browser here.
	r.Get("/billing/success", h.handleCheckoutSuccess)
	r.Get("/billing/cancelled", h.handleCheckoutCancelled)

	r.Group(func(r chi.Router) {
		r.Use(UserIDMiddleware)
		r.Get("/billing/subscription", h.handleGetSubscription)
		r.Get("/billing/purchases", h.handleListPurchases)
		r.Post("/billing/checkout", h.handleStartCheckout)
		r.Post("/billing/trial", h.handleStartTrial)
		r.Post("/billing/cancel", h.handleCancel)
	})
}

// handleWebhook receives provider events. The response code is the retry
// contract: 2xx stops redelivery, 4xx rejects a bad request, 5xx asks the
// provider to deliver the event again later.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event, err := h.provider.ParseEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrWebhookSignature) {
			writeError(w, http.StatusBadRequest, "invalid webhook signature")
			return
		}
		h.log.ErrorContext(r.Context(), "failed to parse webhook event", "error", err)
		writeError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	if err := h.reconciler.Apply(r.Context(), event); err != nil {
		h.log.ErrorContext(r.Context(), "failed to apply webhook event",
			"event_id", event.ID, "event_type", string(event.Type), "error", err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	sub, err := h.service.Subscription(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, subscriptionResponse{
		Plan:              string(sub.Plan),
		Interval:          string(sub.Interval),
		Status:            string(sub.Status),
		RemainingCredits:  sub.RemainingCreditsAt(h.service.now()),
		PeriodUsage:       sub.PeriodUsage,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	})
}

func (h *Handler) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		out = append(out, purchaseResponse{
			ID:         p.ID,
			Amount:     p.Amount,
			Consumed:   p.Consumed,
			ConsumedAt: p.ConsumedAt,
			CreatedAt:  p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleStartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req struct {
		PlanKey string `json:"plan_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanKey == "" {
		writeError(w, http.StatusBadRequest, "plan_key is required")
		return
	}

	session, err := h.service.StartCheckout(r.Context(), userID, req.PlanKey)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkout_url": session.URL})
}

func (h *Handler) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	sub, err := h.service.StartFreeTrial(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    string(sub.Status),
		"trial_end": sub.TrialEnd,
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	// Default to the gentle path; immediate cancellation must be explicit.
	req := struct {
		AtPeriodEnd *bool `json:"at_period_end"`
	}{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var err error
	if req.AtPeriodEnd == nil || *req.AtPeriodEnd {
		err = h.service.SetCancelAtPeriodEnd(r.Context(), userID, true)
	} else {
		err = h.service.CancelSubscription(r.Context(), userID)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (h *Handler) handleCheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	// Entitlements are granted by webhook events, never by this redirect.
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "payment received; your credits will appear shortly",
	})
}

func (h *Handler) handleCheckoutCancelled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancelled",
		"message": "checkout was cancelled; no charge was made",
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientCreditsError

	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": insufficient.Error(),
			"need":  insufficient.Need,
			"have":  insufficient.Have,
		})
	case errors.Is(err, ErrInvalidPlanKey):
		writeError(w, http.StatusBadRequest, "unknown plan key")
	case errors.Is(err, ErrTrialAlreadyUsed):
		writeError(w, http.StatusConflict, "free trial already used")
	case errors.Is(err, ErrTrialNotAllowed):
		writeError(w, http.StatusConflict, "free trial not available in the current state")
	case errors.Is(err, ErrNoProviderSubscription):
		writeError(w, http.StatusConflict, "no active paid subscription to cancel")
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrProvider):
		h.log.ErrorContext(r.Context(), "payment provider call failed", "error", err)
		writeError(w, http.StatusBadGateway, "payment provider is unavailable")
	default:
		h.log.ErrorContext(r.Context(), "billing request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type subscriptionResponse struct {
	Plan              string     `json:"plan"`
	Interval          string     `json:"interval,omitempty"`
	Status            string     `json:"status"`
	RemainingCredits  int        `json:"remaining_credits"`
	PeriodUsage       int        `json:"period_usage"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

type purchaseResponse struct {
	ID         int64      `json:"id"`
	Amount     int64      `json:"amount"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
