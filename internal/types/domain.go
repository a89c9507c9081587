package types

import "time"

// UserEntitlement is the durable billing state kept per platform user.
// It is a local mirror of the user's Stripe subscription, updated only by
// webhook reconciliation and read by every access decision.
type UserEntitlement struct {
	UserID           int64      `json:"userId" db:"user_id"`
	CustomerID       string     `json:"customerId,omitempty" db:"customer_id"`
	SubscriptionID   string     `json:"subscriptionId,omitempty" db:"subscription_id"`
	PaidUntil        *time.Time `json:"paidUntil" db:"paid_until"`
	HasPaymentFailed bool       `json:"hasPaymentFailed" db:"has_payment_failed"`
	UpdatedAt        time.Time  `json:"-" db:"updated_at"`
}

// PaidThrough reports whether the entitlement covers the given instant,
// extended by the grace window. The boundary is inclusive: an entitlement
// whose paid_until equals now-grace still grants access.
func (e *UserEntitlement) PaidThrough(now time.Time, grace time.Duration) bool {
	if e == nil || e.PaidUntil == nil {
		return false
	}
	return !e.PaidUntil.Before(now.Add(-grace))
}

// PlatformUser is the host platform's user row, read-only to this service.
type PlatformUser struct {
	ID       int64  `json:"id" db:"id"`
	Username string `json:"username" db:"username"`
	Email    string `json:"email" db:"email"`
}

// PlayableVideo is the host platform's playable representation of a video:
// the subset the player needs to start streaming. The video-fetched hook
// carries it in and we hand it back, possibly with the stand-in's URLs
// swapped in.
type PlayableVideo struct {
	ID                 int64               `json:"id"`
	UUID               string              `json:"uuid"`
	Name               string              `json:"name"`
	StreamingPlaylists []StreamingPlaylist `json:"streamingPlaylists"`
}

// StreamingPlaylist is one HLS rendition set of a video.
type StreamingPlaylist struct {
	PlaylistURL       string `json:"playlistUrl"`
	SegmentsSha256URL string `json:"segmentsSha256Url"`
}

// AccessReason explains an access decision for callers and logs.
type AccessReason string

const (
	ReasonGatingDisabled   AccessReason = "gating_disabled"
	ReasonNotPremium       AccessReason = "not_premium"
	ReasonAgentAllowlisted AccessReason = "agent_allowlisted"
	ReasonAnonymous        AccessReason = "anonymous"
	ReasonEntitled         AccessReason = "entitled"
	ReasonNotEntitled      AccessReason = "not_entitled"
	ReasonStandInMissing   AccessReason = "stand_in_missing"
)

// AccessDecision is the outcome of evaluating one request against one video.
type AccessDecision struct {
	Allowed bool         `json:"allowed"`
	Reason  AccessReason `json:"reason"`

	// Substitute is set on a denied playback request when the stand-in
	// video could be loaded; the caller serves it in place of the original.
	Substitute *PlayableVideo `json:"substitute,omitempty"`
}

// InvoiceView is one line of the subscription endpoint's invoice history.
type InvoiceView struct {
	ID               string `json:"id"`
	Created          string `json:"created"`
	AmountPaid       int64  `json:"amountPaid"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	HostedInvoiceURL string `json:"hostedInvoiceUrl,omitempty"`
	InvoicePDF       string `json:"invoicePdf,omitempty"`
}

// SubscriptionView is the live subscription state returned to the account
// page. Timestamps are ISO-8601 strings; absent ones are empty.
type SubscriptionView struct {
	ID                string        `json:"id"`
	Status            string        `json:"status"`
	StartDate         string        `json:"startDate"`
	CurrentPeriodEnd  string        `json:"currentPeriodEnd"`
	CancelAt          string        `json:"cancelAt,omitempty"`
	CancelAtPeriodEnd bool          `json:"cancelAtPeriodEnd"`
	CanceledAt        string        `json:"canceledAt,omitempty"`
	CustomerPortalURL string        `json:"customerPortalUrl,omitempty"`
	Invoices          []InvoiceView `json:"invoices"`
}

// PriceView is one purchasable price of the configured product, with the
// configured coupon's terms attached so the UI can show the discount.
type PriceView struct {
	ID             string  `json:"id"`
	Currency       string  `json:"currency"`
	UnitAmount     int64   `json:"unitAmount"`
	Interval       string  `json:"interval"`
	IntervalCount  int64   `json:"intervalCount"`
	CouponID       string  `json:"couponId,omitempty"`
	CouponName     string  `json:"couponName,omitempty"`
	PercentOff     float64 `json:"percentOff,omitempty"`
	AmountOff      int64   `json:"amountOff,omitempty"`
	CouponDuration string  `json:"couponDuration,omitempty"`
}
