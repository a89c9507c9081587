// Package core provides the API chassis of the premium gating service:
// a chi router with the cross-cutting middleware chain (panic recovery,
// request ids, structured request logging, CORS, authentication) applied
// before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"premiumgate/internal/config"
	"premiumgate/internal/types"
)

// Authenticator resolves a bearer token to the platform user owning it.
// The HTTP layer depends on this interface rather than the database so
// handler tests can inject a stub.
type Authenticator interface {
	// ResolveToken returns the Actor behind an OAuth access token.
	//
	// Distinct error codes:
	//   - auth_token_invalid when the token is unknown.
	//   - auth_token_expired when the token exists but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// Server bundles the dependencies of the HTTP layer so route registration
// and tests can inject their own.
type Server struct {
	Config        *config.Config
	Settings      *config.SettingsStore
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator

	// RouteRegistrars are called by MountRoutes to register domain
	// handler routes. Populated by the application entry point; the
	// indirection avoids an import cycle between core and handlers.
	RouteRegistrars []func(chi.Router)

	// HealthProbes are checked by the health endpoint.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer prepares the router and validates critical dependencies.
// The caller mounts routes afterwards; the separation lets tests customize
// route registration.
func NewServer(cfg *config.Config, settings *config.SettingsStore, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if settings == nil {
		return nil, fmt.Errorf("settings store must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Settings:  settings,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
