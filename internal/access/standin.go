package access

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"premiumgate/internal/types"
)

// standInCacheTTL bounds how long a resolved stand-in is reused. The
// stand-in video rarely changes, but a re-transcode on the host swaps its
// playlist files, so the cache expires rather than living forever.
const standInCacheTTL = time.Minute

// StandInSource resolves the configured stand-in reference to a playable
// video, either by its UUID or by one of its playlist URLs.
type StandInSource interface {
	LoadPlayable(ctx context.Context, videoUUID string) (*types.PlayableVideo, error)
	LoadPlayableByURL(ctx context.Context, playlistURL string) (*types.PlayableVideo, error)
}

// StandInLoader resolves and caches the stand-in video. Concurrent cache
// misses for the same reference collapse into one database lookup, which
// matters because every denied playback of a popular premium video lands
// here at once.
type StandInLoader struct {
	source StandInSource
	logger *slog.Logger
	group  singleflight.Group

	mu     sync.Mutex
	ref    string
	video  *types.PlayableVideo
	loaded time.Time
}

// NewStandInLoader wires a StandInLoader.
func NewStandInLoader(source StandInSource, logger *slog.Logger) *StandInLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &StandInLoader{source: source, logger: logger}
}

// Load returns the stand-in video behind the given reference, from cache
// when fresh. The reference is either the video's UUID or one of its
// playlist URLs, whichever the operator pasted into the settings. A nil
// video with nil error means the reference resolves to nothing; the engine
// treats that as a missing stand-in.
func (l *StandInLoader) Load(ctx context.Context, ref string) (*types.PlayableVideo, error) {
	if v, ok := l.cached(ref); ok {
		return v, nil
	}

	result, err, _ := l.group.Do(ref, func() (any, error) {
		// Another flight may have filled the cache while this one queued.
		if v, ok := l.cached(ref); ok {
			return v, nil
		}
		video, err := l.resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		l.store(ref, video)
		return video, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*types.PlayableVideo), nil
}

func (l *StandInLoader) resolve(ctx context.Context, ref string) (*types.PlayableVideo, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return l.source.LoadPlayable(ctx, id.String())
	}
	return l.source.LoadPlayableByURL(ctx, ref)
}

func (l *StandInLoader) cached(ref string) (*types.PlayableVideo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ref != ref || time.Since(l.loaded) > standInCacheTTL {
		return nil, false
	}
	return l.video, true
}

func (l *StandInLoader) store(ref string, video *types.PlayableVideo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ref = ref
	l.video = video
	l.loaded = time.Now()
}
