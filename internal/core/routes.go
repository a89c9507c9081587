package core

import (
	"time"
)

// defaultRequestTimeout is the soft deadline applied to request contexts.
// Stripe calls retry with backoff inside this budget.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs to prevent accidental leakage of credentials.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Hook-Secret",
	"Stripe-Signature",
}

// MountRoutes registers the global middleware chain, the domain handler
// routes, and the health endpoint.
//
// Middleware order matters:
//
//  1. Recoverer       - outermost, catches all panics.
//  2. ContextTimeout  - soft deadline on every request.
//  3. RequestID       - correlation ID for logs and the Stripe client.
//  4. SecurityHeaders - present on every response, including errors.
//  5. RequestLogger   - structured logging with redacted headers.
//  6. CORS            - browser access from the host instance's origin.
//
// Authentication is not global: the webhook authenticates with its Stripe
// signature, hooks with the shared secret, and account routes with a bearer
// token. Each handler mounts the middleware it needs.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.Config.Server.CORSAllowedOrigins))

	for _, registrar := range s.RouteRegistrars {
		registrar(s.router)
	}

	s.router.Get("/health", s.HandleHealth)
}
