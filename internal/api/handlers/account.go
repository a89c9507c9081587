// Package handlers contains the HTTP handler implementations of the premium
// gating service: the account endpoints backing the subscription page, the
// Stripe webhook, and the hooks called by the host platform.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"premiumgate/internal/billing"
	"premiumgate/internal/config"
	"premiumgate/internal/core"
	"premiumgate/internal/types"
)

// SettingsSource provides the current runtime settings snapshot. Handlers
// capture one snapshot per request.
type SettingsSource interface {
	Current() *config.RuntimeSettings
}

// SubscriptionService is the account-facing billing surface. Implemented by
// billing.Service; defined locally so handler tests can inject a mock.
type SubscriptionService interface {
	GetSubscription(ctx context.Context, settings *config.RuntimeSettings, userID int64) (*types.SubscriptionView, error)
	UpdateSubscription(ctx context.Context, userID int64, cancelAtPeriodEnd bool) error
	CreateCheckout(ctx context.Context, settings *config.RuntimeSettings, actor types.Actor, req billing.CheckoutRequest) (string, error)
	ListPrices(ctx context.Context, settings *config.RuntimeSettings) ([]types.PriceView, error)
}

// EntitlementReader reads the caller's stored billing row for the legacy
// user-info endpoint.
type EntitlementReader interface {
	Get(ctx context.Context, userID int64) (*types.UserEntitlement, error)
}

// AccountHandler serves the authenticated account endpoints.
type AccountHandler struct {
	service   SubscriptionService
	store     EntitlementReader
	settings  SettingsSource
	validator *core.Validator
	logger    *slog.Logger
}

// NewAccountHandler constructs an AccountHandler.
func NewAccountHandler(
	service SubscriptionService,
	store EntitlementReader,
	settings SettingsSource,
	validator *core.Validator,
	logger *slog.Logger,
) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{
		service:   service,
		store:     store,
		settings:  settings,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the account endpoints:
//
//	GET   /subscription   (auth required)
//	PATCH /subscription   (auth required)
//	POST  /checkout       (auth required)
//	GET   /user-info      (auth required)
//	GET   /price          (public, actor resolved when a token is sent)
//
// The price list backs the public pricing page, so it only gets the
// optional middleware: anonymous visitors browse prices, but a stale token
// still gets its proper authentication error.
func (h *AccountHandler) RegisterRoutes(r chi.Router, requireAuth, optionalAuth func(http.Handler) http.Handler) {
	r.Group(func(g chi.Router) {
		g.Use(requireAuth)
		g.Get("/subscription", h.GetSubscription)
		g.Patch("/subscription", h.UpdateSubscription)
		g.Post("/checkout", h.CreateCheckout)
		g.Get("/user-info", h.GetUserInfo)
	})
	r.Group(func(g chi.Router) {
		g.Use(optionalAuth)
		g.Get("/price", h.ListPrices)
	})
}

// GetSubscription handles GET /subscription. It returns the caller's live
// subscription with invoice history, or 404 when they never subscribed.
func (h *AccountHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	view, err := h.service.GetSubscription(r.Context(), h.settings.Current(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}

// updateSubscriptionRequest is the PATCH /subscription body.
type updateSubscriptionRequest struct {
	CancelAtPeriodEnd *bool `json:"cancelAtPeriodEnd" validate:"required"`
}

// UpdateSubscription handles PATCH /subscription, toggling whether the
// subscription lapses at period end. Responds 204 on success.
func (h *AccountHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req updateSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.service.UpdateSubscription(r.Context(), actor.UserID, *req.CancelAtPeriodEnd); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkoutResponse is the POST /checkout response body.
type checkoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

// CreateCheckout handles POST /checkout. It creates a subscription-mode
// checkout session and returns its hosted URL for the browser to follow.
func (h *AccountHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req billing.CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), h.settings.Current(), actor, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: checkoutResponse{CheckoutURL: url}})
}

// ListPrices handles GET /price, returning the purchasable prices of the
// premium product with any configured coupon's terms attached.
func (h *AccountHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.service.ListPrices(r.Context(), h.settings.Current())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: prices})
}

// GetUserInfo handles GET /user-info. It returns the caller's stored
// entitlement row as-is. Kept for UI code that inspects the raw state; the
// row is null when the user never interacted with billing.
func (h *AccountHandler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	ent, err := h.store.Get(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ent})
}
