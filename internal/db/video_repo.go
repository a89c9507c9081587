package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"premiumgate/internal/types"
)

// VideoRepo manages the premium flag of videos and reads the host
// platform's playable video model for the stand-in path. The flag lives in
// the service-owned premium_videos table; presence of a row means premium.
type VideoRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewVideoRepo creates a VideoRepo backed by the given database connection
// (pool or transaction).
func NewVideoRepo(db DBTX, logger *slog.Logger) *VideoRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoRepo{db: db, logger: logger}
}

// IsPremium reports whether the video is flagged premium.
func (r *VideoRepo) IsPremium(ctx context.Context, videoUUID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM premium_videos WHERE video_uuid = $1)`,
		videoUUID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check premium flag", err)
	}
	return exists, nil
}

// SetPremium flags or unflags a video. Both directions are idempotent.
func (r *VideoRepo) SetPremium(ctx context.Context, videoUUID string, premium bool) error {
	var err error
	if premium {
		_, err = r.db.Exec(ctx,
			`INSERT INTO premium_videos (video_uuid) VALUES ($1)
			 ON CONFLICT (video_uuid) DO NOTHING`,
			videoUUID,
		)
	} else {
		_, err = r.db.Exec(ctx,
			`DELETE FROM premium_videos WHERE video_uuid = $1`,
			videoUUID,
		)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update premium flag", err)
	}
	return nil
}

// LoadPlayableByURL resolves a video from one of its playlist URLs and
// returns its playable representation. Used to load the stand-in video.
// Returns a not-found AppError when no playlist matches.
func (r *VideoRepo) LoadPlayableByURL(ctx context.Context, playlistURL string) (*types.PlayableVideo, error) {
	var videoID int64
	err := r.db.QueryRow(ctx,
		`SELECT video_id FROM video_streaming_playlists WHERE playlist_url = $1`,
		playlistURL,
	).Scan(&videoID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundVideo, "no video matches the playlist url", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve playlist url", err)
	}
	return r.loadPlayable(ctx, videoID)
}

// LoadPlayable returns the playable representation of a video by its UUID.
func (r *VideoRepo) LoadPlayable(ctx context.Context, videoUUID string) (*types.PlayableVideo, error) {
	var videoID int64
	err := r.db.QueryRow(ctx,
		`SELECT id FROM videos WHERE uuid = $1`,
		videoUUID,
	).Scan(&videoID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundVideo, "video not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve video uuid", err)
	}
	return r.loadPlayable(ctx, videoID)
}

func (r *VideoRepo) loadPlayable(ctx context.Context, videoID int64) (*types.PlayableVideo, error) {
	var video types.PlayableVideo
	err := r.db.QueryRow(ctx,
		`SELECT id, uuid, name FROM videos WHERE id = $1`,
		videoID,
	).Scan(&video.ID, &video.UUID, &video.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundVideo, "video not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load video", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT playlist_url, segments_sha256_url
		 FROM video_streaming_playlists
		 WHERE video_id = $1
		 ORDER BY id`,
		videoID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load streaming playlists", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pl types.StreamingPlaylist
		if err := rows.Scan(&pl.PlaylistURL, &pl.SegmentsSha256URL); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan streaming playlist", err)
		}
		video.StreamingPlaylists = append(video.StreamingPlaylists, pl)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read streaming playlists", err)
	}

	return &video, nil
}
