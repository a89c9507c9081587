package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"premiumgate/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// KeySource supplies the current Stripe secret key. The key lives in the
// reloadable runtime settings, so the client reads it per request instead of
// capturing it at construction.
type KeySource interface {
	StripeAPIKey() (string, bool)
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	BaseURL string // Override for testing; defaults to stripeAPIBase
	Logger  *slog.Logger
}

// StripeClient talks to the Stripe REST API through BaseClient. Requests are
// plain form posts rather than stripe-go's bindings so that every call goes
// through the shared resilience layer (circuit breaker, retries, error
// mapping) and tests can run against httptest servers.
type StripeClient struct {
	base    *BaseClient
	keys    KeySource
	baseURL string
	logger  *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout bounds
// each attempt; retries are handled by the BaseClient.
func NewStripeClient(httpClient *http.Client, keys KeySource, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PremiumGate/1.0",
	)
	return NewStripeClientWithBase(base, keys, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewStripeClientWithBase(base *BaseClient, keys KeySource, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:    base,
		keys:    keys,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// Customers
// ---------------------------------------------------------------------------

// GetCustomer retrieves a customer by ID. Deleted customers come back with
// Deleted set; Stripe keeps returning them after deletion.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*StripeCustomer, error) {
	resp, err := s.doGet(ctx, "/v1/customers/"+url.PathEscape(customerID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCustomer", types.ErrCodeNotFoundCustomer)
	}

	var customer StripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response",
			err,
		)
	}
	return &customer, nil
}

// SearchCustomersByEmail finds customers whose email matches exactly.
// Stripe's search index lags writes by up to a minute, so callers must not
// assume an empty result proves absence right after a create.
func (s *StripeClient) SearchCustomersByEmail(ctx context.Context, email string) ([]StripeCustomer, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("email:'%s'", strings.ReplaceAll(email, "'", `\'`)))

	resp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return nil, s.wrapStripeError("SearchCustomersByEmail", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "SearchCustomersByEmail", types.ErrCodeNotFoundCustomer)
	}

	var result stripeCustomerList
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}
	return result.Data, nil
}

// CreateCustomer creates a customer with the given email, name and metadata.
func (s *StripeClient) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*StripeCustomer, error) {
	params := url.Values{}
	params.Set("email", email)
	if name != "" {
		params.Set("name", name)
	}
	for k, v := range metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCustomer", types.ErrCodeNotFoundCustomer)
	}

	var customer StripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}
	return &customer, nil
}

// UpdateCustomerMetadata merges the given keys into the customer's metadata.
// Stripe merges per key on update, so repeating the same write is a no-op.
func (s *StripeClient) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	params := url.Values{}
	for k, v := range metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	resp, err := s.doPost(ctx, "/v1/customers/"+url.PathEscape(customerID), params)
	if err != nil {
		return s.wrapStripeError("UpdateCustomerMetadata", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateCustomerMetadata", types.ErrCodeNotFoundCustomer)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// GetSubscription retrieves a subscription by ID.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription", types.ErrCodeNotFoundSubscription)
	}

	var sub StripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return &sub, nil
}

// ListSubscriptions returns all of a customer's subscriptions, newest first,
// including canceled ones.
func (s *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]StripeSubscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", "100")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("ListSubscriptions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListSubscriptions", types.ErrCodeNotFoundCustomer)
	}

	var list stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}
	return list.Data, nil
}

// SetCancelAtPeriodEnd toggles whether the subscription lapses at the end of
// the current billing period.
func (s *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*StripeSubscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), params)
	if err != nil {
		return nil, s.wrapStripeError("SetCancelAtPeriodEnd", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "SetCancelAtPeriodEnd", types.ErrCodeNotFoundSubscription)
	}

	var sub StripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription update response",
			err,
		)
	}
	return &sub, nil
}

// CancelSubscription cancels a subscription immediately. Used when the host
// platform deletes a user and the subscription must not keep billing.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error) {
	resp, err := s.doDelete(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID))
	if err != nil {
		return nil, s.wrapStripeError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CancelSubscription", types.ErrCodeNotFoundSubscription)
	}

	var sub StripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription cancel response",
			err,
		)
	}
	return &sub, nil
}

// ---------------------------------------------------------------------------
// Invoices, Checkout, Prices, Coupons
// ---------------------------------------------------------------------------

// ListInvoices returns the customer's most recent invoices.
func (s *StripeClient) ListInvoices(ctx context.Context, customerID string, limit int) ([]StripeInvoice, error) {
	if limit <= 0 {
		limit = 12
	}
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("limit", strconv.Itoa(limit))

	resp, err := s.doGet(ctx, "/v1/invoices", params)
	if err != nil {
		return nil, s.wrapStripeError("ListInvoices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListInvoices", types.ErrCodeNotFoundCustomer)
	}

	var list stripeInvoiceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe invoices response",
			err,
		)
	}
	return list.Data, nil
}

// CheckoutParams describes a subscription-mode checkout session.
// Coupon and AllowPromotionCodes are mutually exclusive; the Stripe API
// rejects sessions carrying both.
type CheckoutParams struct {
	CustomerID          string
	PriceID             string
	SuccessURL          string
	CancelURL           string
	Coupon              string
	AllowPromotionCodes bool
}

// CreateCheckoutSession creates a subscription-mode checkout session and
// returns its hosted URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	if p.Coupon != "" {
		params.Set("discounts[0][coupon]", p.Coupon)
	} else if p.AllowPromotionCodes {
		params.Set("allow_promotion_codes", "true")
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCheckoutSession", types.ErrCodeNotFoundCustomer)
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return session.URL, nil
}

// ListPrices returns the active recurring prices of a product.
func (s *StripeClient) ListPrices(ctx context.Context, productID string, limit int) ([]StripePrice, error) {
	if limit <= 0 {
		limit = 12
	}
	params := url.Values{}
	params.Set("product", productID)
	params.Set("active", "true")
	params.Set("limit", strconv.Itoa(limit))

	resp, err := s.doGet(ctx, "/v1/prices", params)
	if err != nil {
		return nil, s.wrapStripeError("ListPrices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ListPrices", types.ErrCodeNotFoundSubscription)
	}

	var list stripePriceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe prices response",
			err,
		)
	}
	return list.Data, nil
}

// GetCoupon retrieves a coupon by ID.
func (s *StripeClient) GetCoupon(ctx context.Context, couponID string) (*StripeCoupon, error) {
	resp, err := s.doGet(ctx, "/v1/coupons/"+url.PathEscape(couponID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetCoupon", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetCoupon", types.ErrCodeNotFoundSubscription)
	}

	var coupon StripeCoupon
	if err := json.NewDecoder(resp.Body).Decode(&coupon); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe coupon response",
			err,
		)
	}
	return &coupon, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if err := s.setAuthHeaders(req); err != nil {
		return nil, err
	}

	return s.base.Do(req)
}

// doPost performs an authenticated POST request to the Stripe API with
// form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := s.setAuthHeaders(req); err != nil {
		return nil, err
	}

	return s.base.Do(req)
}

// doDelete performs an authenticated DELETE request to the Stripe API.
func (s *StripeClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := s.setAuthHeaders(req); err != nil {
		return nil, err
	}

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) error {
	key, ok := s.keys.StripeAPIKey()
	if !ok {
		return types.NewAppError(types.ErrCodeConfigMissing, "Stripe API key is not configured", nil)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError. notFoundCode is the domain code used for 404s, which
// depends on the resource the call addressed.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string, notFoundCode types.ErrorCode) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			notFoundCode,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
			map[string]any{"stripe_code": stripeErr.Error.Code, "param": stripeErr.Error.Param},
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

// StripeCustomer is the subset of the customer object this service reads.
type StripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerList struct {
	Data    []StripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

// StripeSubscription is the subset of the subscription object this service
// reads. CustomerID is the expanded string form.
type StripeSubscription struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAt          int64             `json:"cancel_at"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	Created           int64             `json:"created"`
	StartDate         int64             `json:"start_date"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Items             SubscriptionItems `json:"items"`
}

// HasProduct reports whether any subscription item belongs to the product.
func (s *StripeSubscription) HasProduct(productID string) bool {
	for _, item := range s.Items.Data {
		if item.Price.ProductID == productID {
			return true
		}
	}
	return false
}

// PeriodEnd returns current_period_end as UTC time.
func (s *StripeSubscription) PeriodEnd() time.Time {
	return time.Unix(s.CurrentPeriodEnd, 0).UTC()
}

// SubscriptionItems holds the subscription's line items.
type SubscriptionItems struct {
	Data []SubscriptionItem `json:"data"`
}

// SubscriptionItem carries the price a subscription item is billed against.
type SubscriptionItem struct {
	Price StripePrice `json:"price"`
}

type stripeSubscriptionList struct {
	Data    []StripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// StripePrice is the subset of the price object this service reads.
type StripePrice struct {
	ID         string           `json:"id"`
	ProductID  string           `json:"product"`
	Currency   string           `json:"currency"`
	UnitAmount int64            `json:"unit_amount"`
	Recurring  *StripeRecurring `json:"recurring"`
}

// StripeRecurring describes a price's billing cadence.
type StripeRecurring struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

type stripePriceList struct {
	Data    []StripePrice `json:"data"`
	HasMore bool          `json:"has_more"`
}

// StripeInvoice is the subset of the invoice object this service reads.
type StripeInvoice struct {
	ID               string `json:"id"`
	Created          int64  `json:"created"`
	AmountPaid       int64  `json:"amount_paid"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	InvoicePDF       string `json:"invoice_pdf"`
}

type stripeInvoiceList struct {
	Data    []StripeInvoice `json:"data"`
	HasMore bool            `json:"has_more"`
}

// StripeCoupon is the subset of the coupon object this service reads.
type StripeCoupon struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PercentOff float64 `json:"percent_off"`
	AmountOff  int64   `json:"amount_off"`
	Duration   string  `json:"duration"`
	Valid      bool    `json:"valid"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates webhook payloads using stripe-go's signature
// verification, which checks the HMAC-SHA256 signature and the timestamp
// tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
