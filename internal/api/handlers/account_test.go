package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"premiumgate/internal/billing"
	"premiumgate/internal/config"
	"premiumgate/internal/core"
	"premiumgate/internal/types"
)

// --- Shared test fixtures ---

type stubSettings struct {
	snap *config.RuntimeSettings
}

func (s *stubSettings) Current() *config.RuntimeSettings {
	if s.snap != nil {
		return s.snap
	}
	return &config.RuntimeSettings{Enabled: true, GraceWindow: 24 * time.Hour}
}

type mockSubscriptionService struct {
	view       *types.SubscriptionView
	viewErr    error
	updateErr  error
	gotCancel  *bool
	checkout   string
	chkErr     error
	gotRequest *billing.CheckoutRequest
	prices     []types.PriceView
	pricesErr  error
}

func (m *mockSubscriptionService) GetSubscription(ctx context.Context, settings *config.RuntimeSettings, userID int64) (*types.SubscriptionView, error) {
	return m.view, m.viewErr
}

func (m *mockSubscriptionService) UpdateSubscription(ctx context.Context, userID int64, cancelAtPeriodEnd bool) error {
	m.gotCancel = &cancelAtPeriodEnd
	return m.updateErr
}

func (m *mockSubscriptionService) CreateCheckout(ctx context.Context, settings *config.RuntimeSettings, actor types.Actor, req billing.CheckoutRequest) (string, error) {
	m.gotRequest = &req
	return m.checkout, m.chkErr
}

func (m *mockSubscriptionService) ListPrices(ctx context.Context, settings *config.RuntimeSettings) ([]types.PriceView, error) {
	return m.prices, m.pricesErr
}

type mockEntitlementReader struct {
	ent *types.UserEntitlement
	err error
}

func (m *mockEntitlementReader) Get(ctx context.Context, userID int64) (*types.UserEntitlement, error) {
	return m.ent, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newAccountHandler(svc *mockSubscriptionService, store *mockEntitlementReader) *AccountHandler {
	return NewAccountHandler(svc, store, &stubSettings{}, core.NewValidator(testLogger()), testLogger())
}

// authedRequest builds a request carrying an authenticated actor.
func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := types.WithActor(r.Context(), types.Actor{UserID: 42, Username: "alice", Email: "alice@example.com"})
	return r.WithContext(ctx)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v (body=%q)", err, rec.Body.String())
	}
	return resp.Error.Code
}

// --- Tests ---

func TestGetSubscription_Success(t *testing.T) {
	svc := &mockSubscriptionService{view: &types.SubscriptionView{ID: "sub_1", Status: "active"}}
	h := newAccountHandler(svc, &mockEntitlementReader{})

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, authedRequest(http.MethodGet, "/subscription", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"sub_1"`) {
		t.Errorf("body missing subscription: %s", rec.Body.String())
	}
}

func TestGetSubscription_NoCustomerIs404(t *testing.T) {
	svc := &mockSubscriptionService{
		viewErr: types.NewAppError(types.ErrCodeNotFoundSubscription, "no customer", nil),
	}
	h := newAccountHandler(svc, &mockEntitlementReader{})

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, authedRequest(http.MethodGet, "/subscription", ""))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != string(types.ErrCodeNotFoundSubscription) {
		t.Errorf("code = %q", code)
	}
}

func TestGetSubscription_Unauthenticated(t *testing.T) {
	h := newAccountHandler(&mockSubscriptionService{}, &mockEntitlementReader{})

	rec := httptest.NewRecorder()
	h.GetSubscription(rec, httptest.NewRequest(http.MethodGet, "/subscription", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUpdateSubscription(t *testing.T) {
	t.Run("toggles cancel flag and returns 204", func(t *testing.T) {
		svc := &mockSubscriptionService{}
		h := newAccountHandler(svc, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.UpdateSubscription(rec, authedRequest(http.MethodPatch, "/subscription", `{"cancelAtPeriodEnd":true}`))

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204 (body=%s)", rec.Code, rec.Body.String())
		}
		if svc.gotCancel == nil || !*svc.gotCancel {
			t.Errorf("cancelAtPeriodEnd not forwarded: %v", svc.gotCancel)
		}
	})

	t.Run("missing field is 400", func(t *testing.T) {
		h := newAccountHandler(&mockSubscriptionService{}, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.UpdateSubscription(rec, authedRequest(http.MethodPatch, "/subscription", `{}`))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestCreateCheckout(t *testing.T) {
	t.Run("returns hosted url", func(t *testing.T) {
		svc := &mockSubscriptionService{checkout: "https://checkout.stripe.com/c/sess"}
		h := newAccountHandler(svc, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.CreateCheckout(rec, authedRequest(http.MethodPost, "/checkout",
			`{"priceId":"price_month","allowPromotionCodes":true}`))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body=%s)", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"checkoutUrl":"https://checkout.stripe.com/c/sess"`) {
			t.Errorf("body missing checkout url: %s", rec.Body.String())
		}
		if svc.gotRequest == nil || svc.gotRequest.PriceID != "price_month" || !svc.gotRequest.AllowPromotionCodes {
			t.Errorf("request not forwarded: %+v", svc.gotRequest)
		}
	})

	t.Run("accepts couponId in the body", func(t *testing.T) {
		svc := &mockSubscriptionService{checkout: "https://checkout.stripe.com/c/sess"}
		h := newAccountHandler(svc, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.CreateCheckout(rec, authedRequest(http.MethodPost, "/checkout",
			`{"priceId":"price_month","couponId":"co_promo","allowPromotionCodes":false}`))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body=%s)", rec.Code, rec.Body.String())
		}
		if svc.gotRequest == nil || svc.gotRequest.CouponID != "co_promo" {
			t.Errorf("coupon not forwarded: %+v", svc.gotRequest)
		}
	})

	t.Run("missing priceId is 400", func(t *testing.T) {
		h := newAccountHandler(&mockSubscriptionService{}, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.CreateCheckout(rec, authedRequest(http.MethodPost, "/checkout", `{"allowPromotionCodes":true}`))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unconfigured billing is 503", func(t *testing.T) {
		svc := &mockSubscriptionService{
			chkErr: types.NewAppError(types.ErrCodeConfigMissing, "billing not configured", nil),
		}
		h := newAccountHandler(svc, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.CreateCheckout(rec, authedRequest(http.MethodPost, "/checkout", `{"priceId":"price_month"}`))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}

func TestListPrices_Success(t *testing.T) {
	svc := &mockSubscriptionService{prices: []types.PriceView{{ID: "price_month", Currency: "eur", UnitAmount: 500}}}
	h := newAccountHandler(svc, &mockEntitlementReader{})

	rec := httptest.NewRecorder()
	h.ListPrices(rec, authedRequest(http.MethodGet, "/price", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"price_month"`) {
		t.Errorf("body missing price: %s", rec.Body.String())
	}
}

func TestRegisterRoutes_PriceIsPublic(t *testing.T) {
	svc := &mockSubscriptionService{prices: []types.PriceView{{ID: "price_month", Currency: "eur", UnitAmount: 500}}}
	h := newAccountHandler(svc, &mockEntitlementReader{})

	requireAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	optionalAuth := func(next http.Handler) http.Handler { return next }

	r := chi.NewRouter()
	h.RegisterRoutes(r, requireAuth, optionalAuth)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/price", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymous /price status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscription", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /subscription status = %d, want 401", rec.Code)
	}
}

func TestGetUserInfo(t *testing.T) {
	t.Run("returns stored row", func(t *testing.T) {
		paidUntil := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
		store := &mockEntitlementReader{ent: &types.UserEntitlement{
			UserID: 42, CustomerID: "cus_1", PaidUntil: &paidUntil,
		}}
		h := newAccountHandler(&mockSubscriptionService{}, store)

		rec := httptest.NewRecorder()
		h.GetUserInfo(rec, authedRequest(http.MethodGet, "/user-info", ""))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"cus_1"`) {
			t.Errorf("body missing customer id: %s", rec.Body.String())
		}
	})

	t.Run("absent row is null, not an error", func(t *testing.T) {
		h := newAccountHandler(&mockSubscriptionService{}, &mockEntitlementReader{})

		rec := httptest.NewRecorder()
		h.GetUserInfo(rec, authedRequest(http.MethodGet, "/user-info", ""))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}
