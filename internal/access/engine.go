// Package access decides whether a request may play a premium video.
//
// Decisions are evaluated against one immutable settings snapshot and fail
// open: when gating is off, when a video is not premium, or when the
// configured stand-in cannot be served, the viewer sees the original video.
// The only hard denials are unauthenticated or unentitled viewers of premium
// content, and those get the stand-in substituted when one is available.
package access

import (
	"context"
	"log/slog"
	"time"

	"premiumgate/internal/config"
	"premiumgate/internal/types"
)

// PremiumCatalog answers whether a video is flagged premium.
type PremiumCatalog interface {
	IsPremium(ctx context.Context, videoUUID string) (bool, error)
}

// EntitlementSource reads the billing state of a platform user.
type EntitlementSource interface {
	Get(ctx context.Context, userID int64) (*types.UserEntitlement, error)
}

// Request is one access check. Actor is nil for anonymous viewers.
type Request struct {
	VideoUUID string
	Actor     *types.Actor
	UserAgent string

	// Playback requests get the stand-in substituted on denial. Download
	// requests are denied outright; there is nothing sensible to
	// substitute into a file download.
	Playback bool
}

// Engine evaluates access requests.
type Engine struct {
	catalog      PremiumCatalog
	entitlements EntitlementSource
	standIns     *StandInLoader
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine wires an Engine. standIns may be nil to disable substitution.
func NewEngine(catalog PremiumCatalog, entitlements EntitlementSource, standIns *StandInLoader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog:      catalog,
		entitlements: entitlements,
		standIns:     standIns,
		logger:       logger,
		now:          time.Now,
	}
}

// Decide evaluates one request against one settings snapshot.
//
// The rules run in a fixed order and the first match wins:
//
//  1. gating disabled: allow
//  2. video not premium: allow
//  3. User-Agent on the allowlist: allow (link preview crawlers)
//  4. anonymous viewer: deny
//  5. entitlement paid through now plus grace: allow
//  6. otherwise: deny
//
// A storage error checking the premium flag or the entitlement propagates;
// the caller decides whether to fail open.
func (e *Engine) Decide(ctx context.Context, settings *config.RuntimeSettings, req Request) (*types.AccessDecision, error) {
	if !settings.Enabled {
		return &types.AccessDecision{Allowed: true, Reason: types.ReasonGatingDisabled}, nil
	}

	premium, err := e.catalog.IsPremium(ctx, req.VideoUUID)
	if err != nil {
		return nil, err
	}
	if !premium {
		return &types.AccessDecision{Allowed: true, Reason: types.ReasonNotPremium}, nil
	}

	if settings.AgentAllowlist != nil && req.UserAgent != "" && settings.AgentAllowlist.MatchString(req.UserAgent) {
		return &types.AccessDecision{Allowed: true, Reason: types.ReasonAgentAllowlisted}, nil
	}

	if req.Actor == nil {
		return e.deny(ctx, settings, req, types.ReasonAnonymous)
	}

	ent, err := e.entitlements.Get(ctx, req.Actor.UserID)
	if err != nil {
		return nil, err
	}
	if ent.PaidThrough(e.now().UTC(), settings.GraceWindow) {
		return &types.AccessDecision{Allowed: true, Reason: types.ReasonEntitled}, nil
	}

	return e.deny(ctx, settings, req, types.ReasonNotEntitled)
}

// deny builds the denial, substituting the stand-in on playback requests.
// When no stand-in can be served the denial degrades to an allow so viewers
// never hit a dead player on an operator misconfiguration.
func (e *Engine) deny(ctx context.Context, settings *config.RuntimeSettings, req Request, reason types.AccessReason) (*types.AccessDecision, error) {
	if !req.Playback {
		return &types.AccessDecision{Allowed: false, Reason: reason}, nil
	}

	if e.standIns == nil || settings.ReplacementVideoURL == "" {
		e.logger.WarnContext(ctx, "no stand-in configured, failing open",
			"video_uuid", req.VideoUUID, "reason", string(reason))
		return &types.AccessDecision{Allowed: true, Reason: types.ReasonStandInMissing}, nil
	}

	standIn, err := e.standIns.Load(ctx, settings.ReplacementVideoURL)
	if err != nil || standIn == nil {
		e.logger.WarnContext(ctx, "stand-in video unavailable, failing open",
			"video_uuid", req.VideoUUID, "stand_in_url", settings.ReplacementVideoURL, "error", err)
		return &types.AccessDecision{Allowed: true, Reason: types.ReasonStandInMissing}, nil
	}

	return &types.AccessDecision{Allowed: false, Reason: reason, Substitute: standIn}, nil
}

// ApplyStandIn returns a copy of the requested video with the stand-in's
// playlist URLs swapped in. The video keeps its identity so the player UI
// still shows the original title and thumbnail next to the stand-in stream.
func ApplyStandIn(original *types.PlayableVideo, standIn *types.PlayableVideo) *types.PlayableVideo {
	substituted := *original
	substituted.StreamingPlaylists = make([]types.StreamingPlaylist, len(standIn.StreamingPlaylists))
	copy(substituted.StreamingPlaylists, standIn.StreamingPlaylists)
	return &substituted
}
