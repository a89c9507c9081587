package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"premiumgate/internal/access"
	"premiumgate/internal/config"
	"premiumgate/internal/core"
	"premiumgate/internal/types"
)

// AccessDecider evaluates whether a viewer may play a video. Implemented by
// access.Engine.
type AccessDecider interface {
	Decide(ctx context.Context, settings *config.RuntimeSettings, req access.Request) (*types.AccessDecision, error)
}

// PremiumFlagWriter syncs the premium flag of a video. Implemented by
// db.VideoRepo.
type PremiumFlagWriter interface {
	SetPremium(ctx context.Context, videoUUID string, premium bool) error
}

// AccountCleaner tears down billing state when the host platform deletes a
// user. Implemented by billing.Service.
type AccountCleaner interface {
	HandleUserDeleted(ctx context.Context, userID int64) error
}

// HookHandler serves the endpoints the host platform's hook dispatcher
// calls: video playback interception, premium flag sync and user-deletion
// cleanup.
type HookHandler struct {
	decider   AccessDecider
	videos    PremiumFlagWriter
	accounts  AccountCleaner
	settings  SettingsSource
	validator *core.Validator
	logger    *slog.Logger
}

// NewHookHandler constructs a HookHandler.
func NewHookHandler(
	decider AccessDecider,
	videos PremiumFlagWriter,
	accounts AccountCleaner,
	settings SettingsSource,
	validator *core.Validator,
	logger *slog.Logger,
) *HookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookHandler{
		decider:   decider,
		videos:    videos,
		accounts:  accounts,
		settings:  settings,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the hook endpoints behind the shared-secret
// middleware:
//
//	POST /hooks/video-fetched
//	POST /hooks/video-updated
//	POST /hooks/user-deleted
func (h *HookHandler) RegisterRoutes(r chi.Router, hookSecret func(http.Handler) http.Handler) {
	r.Route("/hooks", func(g chi.Router) {
		g.Use(hookSecret)
		g.Post("/video-fetched", h.VideoFetched)
		g.Post("/video-updated", h.VideoUpdated)
		g.Post("/user-deleted", h.UserDeleted)
	})
}

// videoFetchedRequest is the body of POST /hooks/video-fetched. The host
// forwards the playable video it is about to serve, plus the viewer's
// identity (absent for anonymous viewers) and the original User-Agent.
type videoFetchedRequest struct {
	Video     types.PlayableVideo `json:"video"`
	UserID    *int64              `json:"userId"`
	UserAgent string              `json:"userAgent"`
	Download  bool                `json:"download"`
}

// videoFetchedResponse carries the decision and the video the host should
// serve, possibly with the stand-in's playlists swapped in.
type videoFetchedResponse struct {
	Allowed bool                 `json:"allowed"`
	Reason  string               `json:"reason"`
	Video   *types.PlayableVideo `json:"video"`
}

// VideoFetched handles POST /hooks/video-fetched.
//
// This endpoint sits on the playback path and therefore never fails it: on
// any internal error the original video is returned allowed, and the error
// is logged for the operator. A denied playback gets the stand-in's playlist
// URLs substituted into the video.
func (h *HookHandler) VideoFetched(w http.ResponseWriter, r *http.Request) {
	var req videoFetchedRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Video.UUID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"video.uuid is required", nil))
		return
	}

	check := access.Request{
		VideoUUID: req.Video.UUID,
		UserAgent: req.UserAgent,
		Playback:  !req.Download,
	}
	if req.UserID != nil {
		check.Actor = &types.Actor{UserID: *req.UserID}
	}

	decision, err := h.decider.Decide(r.Context(), h.settings.Current(), check)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "access decision failed, failing open",
			"video_uuid", req.Video.UUID, "error", err)
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: videoFetchedResponse{
			Allowed: true,
			Reason:  string(types.ReasonGatingDisabled),
			Video:   &req.Video,
		}})
		return
	}

	resp := videoFetchedResponse{
		Allowed: decision.Allowed,
		Reason:  string(decision.Reason),
		Video:   &req.Video,
	}
	if !decision.Allowed && decision.Substitute != nil {
		resp.Video = access.ApplyStandIn(&req.Video, decision.Substitute)
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// videoUpdatedRequest is the body of POST /hooks/video-updated.
type videoUpdatedRequest struct {
	VideoUUID string `json:"videoUUID" validate:"required,video_uuid"`
	Premium   bool   `json:"premium"`
}

// VideoUpdated handles POST /hooks/video-updated, syncing the premium flag
// the uploader set in the video's metadata form. Responds 204.
func (h *HookHandler) VideoUpdated(w http.ResponseWriter, r *http.Request) {
	var req videoUpdatedRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.videos.SetPremium(r.Context(), req.VideoUUID, req.Premium); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "premium flag synced",
		"video_uuid", req.VideoUUID, "premium", req.Premium)
	w.WriteHeader(http.StatusNoContent)
}

// userDeletedRequest is the body of POST /hooks/user-deleted.
type userDeletedRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

// UserDeleted handles POST /hooks/user-deleted. The host platform fires it
// after removing a user account; any live subscription is canceled and the
// stored entitlement dropped. Responds 204.
func (h *HookHandler) UserDeleted(w http.ResponseWriter, r *http.Request) {
	var req userDeletedRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.accounts.HandleUserDeleted(r.Context(), req.UserID); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "billing state cleaned up for deleted user",
		"user_id", req.UserID)
	w.WriteHeader(http.StatusNoContent)
}
