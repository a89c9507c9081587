package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorErrorFormat verifies the Error() method produces "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidUUID,
		Message: "not a video uuid",
	}

	want := "validation_invalid_video_uuid: not a video uuid"
	if got := appErr.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	appErr := NewAppError(ErrCodeInternalDB, "query failed", cause)

	if !errors.Is(appErr, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	wrapped := fmt.Errorf("processing event: %w", appErr)
	var found *AppError
	if !errors.As(wrapped, &found) {
		t.Fatal("errors.As should find the AppError through a wrapping layer")
	}
	if found.Code != ErrCodeInternalDB {
		t.Errorf("unwrapped code = %s, want %s", found.Code, ErrCodeInternalDB)
	}
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeWebhookSignatureInvalid, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenExpired, http.StatusUnauthorized},
		{ErrCodePermissionHookSecret, http.StatusForbidden},
		{ErrCodeNotFoundSubscription, http.StatusNotFound},
		{ErrCodeUnresolvableCustomer, http.StatusUnprocessableEntity},
		{ErrCodeConfigMissing, http.StatusServiceUnavailable},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_unrecognized"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	original := NewAppErrorWithDetails(ErrCodeValidationMissingField, "missing", nil,
		map[string]any{"field": "priceId"})

	enriched := original.WithDetails(map[string]any{"hint": "see /price"})

	if _, ok := original.Details["hint"]; ok {
		t.Error("WithDetails mutated the original error")
	}
	if enriched.Details["field"] != "priceId" || enriched.Details["hint"] != "see /price" {
		t.Errorf("merged details = %v", enriched.Details)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"stripe outage", NewAppError(ErrCodeUpstreamStripe, "stripe 503", nil), true},
		{"rate limited", NewAppError(ErrCodeUpstreamRateLimited, "429", nil), true},
		{"database error", NewAppError(ErrCodeInternalDB, "write failed", nil), true},
		{"unresolvable customer", NewAppError(ErrCodeUnresolvableCustomer, "no such user", nil), false},
		{"bad payload", NewAppError(ErrCodeWebhookPayloadInvalid, "not json", nil), false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
		{"wrapped transient", fmt.Errorf("outer: %w", NewAppError(ErrCodeUpstreamUnavailable, "down", nil)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}
