package billing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"premiumgate/internal/config"
	"premiumgate/internal/external"
	"premiumgate/internal/types"
)

// AccountGateway is the Stripe surface the account-facing service needs.
type AccountGateway interface {
	ListSubscriptions(ctx context.Context, customerID string) ([]external.StripeSubscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*external.StripeSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*external.StripeSubscription, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]external.StripeInvoice, error)
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (string, error)
	ListPrices(ctx context.Context, productID string, limit int) ([]external.StripePrice, error)
	GetCoupon(ctx context.Context, couponID string) (*external.StripeCoupon, error)
}

// CustomerEnsurer creates or finds the Stripe customer for a platform user.
type CustomerEnsurer interface {
	EnsureCustomer(ctx context.Context, actor types.Actor) (string, error)
}

// AccountStore is the entitlement storage surface the account service needs.
// It extends the reconciler's store with deletion, used only when the host
// platform removes a user.
type AccountStore interface {
	EntitlementStore
	Delete(ctx context.Context, userID int64) error
}

// invoiceHistoryLimit caps the invoice list on the subscription endpoint.
const invoiceHistoryLimit = 12

// Service answers the account page: live subscription state, cancellation
// toggling, checkout session creation and price listing. It reads the local
// entitlement row only to find the customer id; everything else is fetched
// live from Stripe so the page never shows stale billing state.
type Service struct {
	stripe   AccountGateway
	identity CustomerEnsurer
	store    AccountStore
	baseURL  string
	logger   *slog.Logger
}

// NewService wires a Service. baseURL is the host instance's public URL used
// for checkout redirects.
func NewService(stripe AccountGateway, identity CustomerEnsurer, store AccountStore, baseURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stripe:   stripe,
		identity: identity,
		store:    store,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// GetSubscription returns the user's current subscription with invoice
// history. Users who never checked out have no customer id and get a
// not-found error.
func (s *Service) GetSubscription(ctx context.Context, settings *config.RuntimeSettings, userID int64) (*types.SubscriptionView, error) {
	sub, customerID, err := s.currentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	invoices, err := s.stripe.ListInvoices(ctx, customerID, invoiceHistoryLimit)
	if err != nil {
		return nil, err
	}

	view := &types.SubscriptionView{
		ID:                sub.ID,
		Status:            sub.Status,
		StartDate:         unixToISO(sub.StartDate),
		CurrentPeriodEnd:  unixToISO(sub.CurrentPeriodEnd),
		CancelAt:          unixToISO(sub.CancelAt),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixToISO(sub.CanceledAt),
		CustomerPortalURL: settings.CustomerPortalURL,
		Invoices:          make([]types.InvoiceView, 0, len(invoices)),
	}
	for _, inv := range invoices {
		view.Invoices = append(view.Invoices, types.InvoiceView{
			ID:               inv.ID,
			Created:          unixToISO(inv.Created),
			AmountPaid:       inv.AmountPaid,
			Currency:         inv.Currency,
			Status:           inv.Status,
			HostedInvoiceURL: inv.HostedInvoiceURL,
			InvoicePDF:       inv.InvoicePDF,
		})
	}
	return view, nil
}

// UpdateSubscription toggles cancel_at_period_end on the user's current
// subscription. The subscription is re-resolved from Stripe rather than
// trusting the locally stored id, which may lag a plan change.
func (s *Service) UpdateSubscription(ctx context.Context, userID int64, cancelAtPeriodEnd bool) error {
	sub, _, err := s.currentSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub.Status == "canceled" {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			"subscription is already canceled", nil)
	}

	if _, err := s.stripe.SetCancelAtPeriodEnd(ctx, sub.ID, cancelAtPeriodEnd); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "subscription cancellation toggled",
		"user_id", userID, "subscription_id", sub.ID, "cancel_at_period_end", cancelAtPeriodEnd)
	return nil
}

// HandleUserDeleted reacts to the host platform removing a user account.
// Any live subscription is canceled immediately so the deleted user is never
// billed again, then the stored entitlement row is dropped. Users with no
// billing history are a no-op.
func (s *Service) HandleUserDeleted(ctx context.Context, userID int64) error {
	ent, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if ent == nil {
		return nil
	}

	if ent.CustomerID != "" {
		subs, err := s.stripe.ListSubscriptions(ctx, ent.CustomerID)
		if err != nil {
			return err
		}
		for i := range subs {
			if subs[i].Status == "canceled" {
				continue
			}
			if _, err := s.stripe.CancelSubscription(ctx, subs[i].ID); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "canceled subscription of deleted user",
				"user_id", userID, "subscription_id", subs[i].ID)
		}
	}

	return s.store.Delete(ctx, userID)
}

// CheckoutRequest is the account page's checkout intent. CouponID lets the
// UI pass through the coupon it showed on the price page; when absent the
// configured coupon applies.
type CheckoutRequest struct {
	PriceID             string `json:"priceId" validate:"required"`
	CouponID            string `json:"couponId"`
	AllowPromotionCodes bool   `json:"allowPromotionCodes"`
}

// CreateCheckout creates a subscription-mode checkout session for the user
// and returns its hosted URL.
//
// Discount exclusivity: when the caller opts into promotion codes, or no
// coupon is known at all, the session allows promotion codes and no coupon
// is forced; otherwise the coupon is applied as a forced discount. The two
// are never combined because Stripe rejects sessions carrying both.
func (s *Service) CreateCheckout(ctx context.Context, settings *config.RuntimeSettings, actor types.Actor, req CheckoutRequest) (string, error) {
	if !settings.StripeReady() {
		return "", types.NewAppError(types.ErrCodeConfigMissing,
			"billing is not configured on this instance", nil)
	}

	prices, err := s.stripe.ListPrices(ctx, settings.ProductID, 100)
	if err != nil {
		return "", err
	}
	valid := false
	for _, p := range prices {
		if p.ID == req.PriceID {
			valid = true
			break
		}
	}
	if !valid {
		return "", types.NewAppError(types.ErrCodeValidationInvalidPrice,
			"price does not belong to the premium product", nil)
	}

	customerID, err := s.identity.EnsureCustomer(ctx, actor)
	if err != nil {
		return "", err
	}

	params := external.CheckoutParams{
		CustomerID: customerID,
		PriceID:    req.PriceID,
		SuccessURL: s.baseURL + "/my-account/p/premium",
		CancelURL:  s.baseURL + "/videos/browse",
	}
	coupon := req.CouponID
	if coupon == "" {
		coupon = settings.CouponID
	}
	if coupon == "" || req.AllowPromotionCodes {
		params.AllowPromotionCodes = true
	} else {
		params.Coupon = coupon
	}

	url, err := s.stripe.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"user_id", actor.UserID, "customer_id", customerID, "price_id", req.PriceID)
	return url, nil
}

// ListPrices returns the purchasable prices of the configured product, with
// the configured coupon's terms attached so the UI can render the discount.
func (s *Service) ListPrices(ctx context.Context, settings *config.RuntimeSettings) ([]types.PriceView, error) {
	if !settings.StripeReady() {
		return nil, types.NewAppError(types.ErrCodeConfigMissing,
			"billing is not configured on this instance", nil)
	}

	prices, err := s.stripe.ListPrices(ctx, settings.ProductID, invoiceHistoryLimit)
	if err != nil {
		return nil, err
	}

	var coupon *external.StripeCoupon
	if settings.CouponID != "" {
		coupon, err = s.stripe.GetCoupon(ctx, settings.CouponID)
		if err != nil {
			// A bad coupon id must not take down the pricing page.
			s.logger.WarnContext(ctx, "configured coupon could not be loaded",
				"coupon_id", settings.CouponID, "error", err)
			coupon = nil
		}
		if coupon != nil && !coupon.Valid {
			coupon = nil
		}
	}

	views := make([]types.PriceView, 0, len(prices))
	for _, p := range prices {
		view := types.PriceView{
			ID:         p.ID,
			Currency:   p.Currency,
			UnitAmount: p.UnitAmount,
		}
		if r := p.Recurring; r != nil {
			view.Interval = r.Interval
			view.IntervalCount = r.IntervalCount
		}
		if coupon != nil {
			view.CouponID = coupon.ID
			view.CouponName = coupon.Name
			view.PercentOff = coupon.PercentOff
			view.AmountOff = coupon.AmountOff
			view.CouponDuration = coupon.Duration
		}
		views = append(views, view)
	}
	return views, nil
}

// currentSubscription finds the user's most relevant subscription: the
// newest active or trialing one, falling back to the newest of any state.
func (s *Service) currentSubscription(ctx context.Context, userID int64) (*external.StripeSubscription, string, error) {
	ent, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if ent == nil || ent.CustomerID == "" {
		return nil, "", types.NewAppError(types.ErrCodeNotFoundSubscription,
			"user has no billing customer", nil)
	}

	subs, err := s.stripe.ListSubscriptions(ctx, ent.CustomerID)
	if err != nil {
		return nil, "", err
	}
	if len(subs) == 0 {
		return nil, "", types.NewAppError(types.ErrCodeNotFoundSubscription,
			"customer has no subscriptions", nil)
	}

	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].Created > subs[j].Created
	})
	for i := range subs {
		if subs[i].Status == "active" || subs[i].Status == "trialing" {
			return &subs[i], ent.CustomerID, nil
		}
	}
	return &subs[0], ent.CustomerID, nil
}

// unixToISO renders a unix timestamp as RFC 3339 UTC, or "" for zero.
func unixToISO(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
