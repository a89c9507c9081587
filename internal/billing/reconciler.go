package billing

import (
	"context"
	"log/slog"

	"premiumgate/internal/config"
	"premiumgate/internal/external"
	"premiumgate/internal/types"
)

// SubscriptionGateway is the Stripe subscription surface the reconciler needs.
type SubscriptionGateway interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*external.StripeSubscription, error)
}

// CustomerResolver maps Stripe customer ids to platform users.
type CustomerResolver interface {
	Resolve(ctx context.Context, customerID string) (int64, error)
}

// EntitlementStore is the durable billing state the reconciler writes.
type EntitlementStore interface {
	Get(ctx context.Context, userID int64) (*types.UserEntitlement, error)
	GetByCustomerID(ctx context.Context, customerID string) (*types.UserEntitlement, error)
	Put(ctx context.Context, ent *types.UserEntitlement) error
}

// EventLog is an optional best-effort record of processed event ids. It
// short-circuits duplicate deliveries; correctness never depends on it
// because every mutation is idempotent.
type EventLog interface {
	Seen(ctx context.Context, eventID string) bool
	Mark(ctx context.Context, eventID string)
}

// Reconciler applies verified billing events to the entitlement store.
//
// Every handler is idempotent and safe under out-of-order delivery: it
// overwrites paid_until with the absolute period end taken from its own
// event's subscription, and never compares against the stored value. Two
// deliveries of the same event, in any order relative to others, converge on
// the same row.
type Reconciler struct {
	subs     SubscriptionGateway
	resolver CustomerResolver
	store    EntitlementStore
	events   EventLog // may be nil
	logger   *slog.Logger
}

// NewReconciler wires a Reconciler. events may be nil to disable the replay
// cache.
func NewReconciler(
	subs SubscriptionGateway,
	resolver CustomerResolver,
	store EntitlementStore,
	events EventLog,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{subs: subs, resolver: resolver, store: store, events: events, logger: logger}
}

// Process applies one event against the given settings snapshot.
//
// A nil return means the event is fully handled or deliberately dropped
// (wrong product, one-time checkout, unknown type). Errors from Stripe or
// the database propagate; the webhook handler answers 5xx only for the
// transient ones so the sender retries.
func (r *Reconciler) Process(ctx context.Context, settings *config.RuntimeSettings, ev *BillingEvent) error {
	if r.events != nil && ev.ID != "" && r.events.Seen(ctx, ev.ID) {
		r.logger.InfoContext(ctx, "skipping already processed event", "event_id", ev.ID)
		return nil
	}

	if ev.Kind == EventCheckoutCompleted && ev.CheckoutMode != "subscription" {
		r.logger.InfoContext(ctx, "ignoring non-subscription checkout",
			"event_id", ev.ID, "mode", ev.CheckoutMode)
		return nil
	}
	if ev.SubscriptionID == "" {
		r.logger.InfoContext(ctx, "event carries no subscription, ignoring",
			"event_id", ev.ID, "kind", string(ev.Kind))
		return nil
	}

	// The subscription is fetched live for two reasons: it proves the event
	// concerns the configured product, and its current_period_end is the
	// authoritative paid-through timestamp for this event.
	sub, err := r.subs.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.HasProduct(settings.ProductID) {
		r.logger.InfoContext(ctx, "subscription is for another product, ignoring",
			"event_id", ev.ID, "subscription_id", sub.ID)
		return nil
	}

	customerID := sub.CustomerID
	if customerID == "" {
		customerID = ev.CustomerID
	}
	userID, err := r.resolveUser(ctx, customerID)
	if err != nil {
		return err
	}

	ent, err := r.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if ent == nil {
		ent = &types.UserEntitlement{UserID: userID}
	}

	switch ev.Kind {
	case EventCheckoutCompleted, EventSubscriptionCreated:
		periodEnd := sub.PeriodEnd()
		ent.CustomerID = customerID
		ent.SubscriptionID = sub.ID
		ent.PaidUntil = &periodEnd
		ent.HasPaymentFailed = false

	case EventInvoicePaid:
		periodEnd := sub.PeriodEnd()
		ent.PaidUntil = &periodEnd
		ent.HasPaymentFailed = false

	case EventInvoicePaymentFailed:
		// Flag only. paid_until keeps whatever the last successful payment
		// established; the grace window decides how long access survives.
		ent.HasPaymentFailed = true
	}

	if err := r.store.Put(ctx, ent); err != nil {
		return err
	}

	if r.events != nil && ev.ID != "" {
		r.events.Mark(ctx, ev.ID)
	}

	r.logger.InfoContext(ctx, "entitlement reconciled",
		"event_id", ev.ID,
		"kind", string(ev.Kind),
		"user_id", userID,
		"subscription_id", sub.ID,
		"payment_failed", ent.HasPaymentFailed)
	return nil
}

// resolveUser prefers the stored link: once any event has resolved the
// customer, later events for the same customer skip the Stripe customer
// fetch entirely.
func (r *Reconciler) resolveUser(ctx context.Context, customerID string) (int64, error) {
	ent, err := r.store.GetByCustomerID(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if ent != nil {
		return ent.UserID, nil
	}
	return r.resolver.Resolve(ctx, customerID)
}
