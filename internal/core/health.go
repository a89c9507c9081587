package core

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout is the maximum time allowed for all probes to complete.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one subsystem check run by the health endpoint.
type HealthProbe interface {
	// Name identifies the probe ("database", "redis").
	Name() string

	// Check returns an error if the subsystem is unhealthy. It must
	// respect the context deadline.
	Check(ctx context.Context) error
}

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status          string                     `json:"status"`
	GatingEnabled   bool                       `json:"gatingEnabled"`
	SettingsVersion int64                      `json:"settingsVersion"`
	Components      map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all registered probes against a short deadline and
// reports 200 when every subsystem is healthy, 503 otherwise. The response
// also carries the active settings snapshot version so operators can confirm
// a settings change was picked up.
//
// This endpoint is public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	snap := s.Settings.Current()
	resp := healthResponse{
		Status:          "healthy",
		GatingEnabled:   snap.Enabled,
		SettingsVersion: snap.Version,
	}

	if len(s.HealthProbes) > 0 {
		resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	}

	ok := true
	for _, probe := range s.HealthProbes {
		if err := probe.Check(ctx); err != nil {
			ok = false
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			continue
		}
		resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
	}

	if !ok {
		resp.Status = "unhealthy"
		JSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, r, http.StatusOK, resp)
}
