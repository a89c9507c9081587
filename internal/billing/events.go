package billing

import (
	"encoding/json"

	"premiumgate/internal/types"
)

// EventKind enumerates the webhook event types this service reconciles.
// Everything else is acknowledged and dropped.
type EventKind string

const (
	EventCheckoutCompleted    EventKind = "checkout.session.completed"
	EventInvoicePaid          EventKind = "invoice.paid"
	EventInvoicePaymentFailed EventKind = "invoice.payment_failed"
	EventSubscriptionCreated  EventKind = "customer.subscription.created"
)

// BillingEvent is the decoded, narrowed form of a Stripe webhook event: one
// tagged variant per handled type, carrying only the fields reconciliation
// reads. The raw event is decoded once into the shape matching its type
// instead of probing a dynamic map.
type BillingEvent struct {
	ID   string
	Kind EventKind

	// CustomerID and SubscriptionID are the string ids from the event
	// payload. SubscriptionID may be empty (one-time checkouts, one-off
	// invoices); reconciliation ignores such events.
	CustomerID     string
	SubscriptionID string

	// CheckoutMode is only set for checkout events; anything but
	// "subscription" is ignored.
	CheckoutMode string
}

// eventEnvelope is the minimal outer shape of any Stripe event.
type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Per-type object shapes. Webhook payloads always carry related objects as
// string ids, never expansions.
type checkoutSessionObject struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Mode         string `json:"mode"`
}

type invoiceObject struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type subscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// ParseEvent decodes a verified webhook payload into its tagged variant.
// The second return is false for event types this service does not handle;
// such events are valid and must be acknowledged, not errored.
func ParseEvent(payload []byte) (*BillingEvent, bool, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, false, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
			"webhook payload is not a valid event", err)
	}

	ev := &BillingEvent{ID: envelope.ID, Kind: EventKind(envelope.Type)}

	switch ev.Kind {
	case EventCheckoutCompleted:
		var object checkoutSessionObject
		if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
			return nil, false, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
				"malformed checkout session object", err)
		}
		ev.CustomerID = object.Customer
		ev.SubscriptionID = object.Subscription
		ev.CheckoutMode = object.Mode

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var object invoiceObject
		if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
			return nil, false, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
				"malformed invoice object", err)
		}
		ev.CustomerID = object.Customer
		ev.SubscriptionID = object.Subscription
		if ev.SubscriptionID == "" {
			// Newer API versions nest the subscription reference.
			ev.SubscriptionID = object.Parent.SubscriptionDetails.Subscription
		}

	case EventSubscriptionCreated:
		var object subscriptionObject
		if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
			return nil, false, types.NewAppError(types.ErrCodeWebhookPayloadInvalid,
				"malformed subscription object", err)
		}
		ev.CustomerID = object.Customer
		ev.SubscriptionID = object.ID

	default:
		return ev, false, nil
	}

	return ev, true, nil
}
