package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubProbe struct {
	name string
	err  error
}

func (p *stubProbe) Name() string                    { return p.name }
func (p *stubProbe) Check(ctx context.Context) error { return p.err }

func TestHandleHealth(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		srv := newTestServer(t)
		srv.HealthProbes = []HealthProbe{&stubProbe{name: "database"}}

		rec := httptest.NewRecorder()
		srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != "healthy" {
			t.Errorf("status = %q", resp.Status)
		}
		if resp.Components["database"].Status != "healthy" {
			t.Errorf("database component = %+v", resp.Components["database"])
		}
	})

	t.Run("failing probe returns 503", func(t *testing.T) {
		srv := newTestServer(t)
		srv.HealthProbes = []HealthProbe{
			&stubProbe{name: "database"},
			&stubProbe{name: "redis", err: errors.New("connection refused")},
		}

		rec := httptest.NewRecorder()
		srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		var resp healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Components["redis"].Status != "unhealthy" {
			t.Errorf("redis component = %+v", resp.Components["redis"])
		}
		if resp.Components["database"].Status != "healthy" {
			t.Errorf("database component = %+v", resp.Components["database"])
		}
	})

	t.Run("mounted at /health without auth", func(t *testing.T) {
		srv := newTestServer(t)
		srv.MountRoutes()

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Error("expected X-Request-Id header from middleware chain")
		}
	})
}
