package access

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"premiumgate/internal/config"
	"premiumgate/internal/types"
)

type fakeCatalog struct {
	premium map[string]bool
	err     error
}

func (f *fakeCatalog) IsPremium(ctx context.Context, videoUUID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.premium[videoUUID], nil
}

type fakeEntitlements struct {
	rows map[int64]*types.UserEntitlement
	err  error
}

func (f *fakeEntitlements) Get(ctx context.Context, userID int64) (*types.UserEntitlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[userID], nil
}

type fakeStandInSource struct {
	video   *types.PlayableVideo
	err     error
	calls   atomic.Int64
	byUUID  atomic.Int64
	lastRef string
}

func (f *fakeStandInSource) LoadPlayable(ctx context.Context, videoUUID string) (*types.PlayableVideo, error) {
	f.calls.Add(1)
	f.byUUID.Add(1)
	f.lastRef = videoUUID
	return f.video, f.err
}

func (f *fakeStandInSource) LoadPlayableByURL(ctx context.Context, playlistURL string) (*types.PlayableVideo, error) {
	f.calls.Add(1)
	f.lastRef = playlistURL
	return f.video, f.err
}

const premiumUUID = "11111111-2222-3333-4444-555555555555"

func standInVideo() *types.PlayableVideo {
	return &types.PlayableVideo{
		ID: 7, UUID: "aaaa", Name: "Subscribe to watch",
		StreamingPlaylists: []types.StreamingPlaylist{
			{PlaylistURL: "https://tube.example.com/standin/master.m3u8"},
		},
	}
}

func enabledSettings() *config.RuntimeSettings {
	return &config.RuntimeSettings{
		Enabled:             true,
		GraceWindow:         24 * time.Hour,
		ReplacementVideoURL: "https://tube.example.com/standin/master.m3u8",
	}
}

func newTestEngine(catalog *fakeCatalog, ents *fakeEntitlements, standIn *fakeStandInSource, now time.Time) *Engine {
	var loader *StandInLoader
	if standIn != nil {
		loader = NewStandInLoader(standIn, nil)
	}
	e := NewEngine(catalog, ents, loader, nil)
	if !now.IsZero() {
		e.now = func() time.Time { return now }
	}
	return e
}

func TestEngine_DisabledGatingAllowsEverything(t *testing.T) {
	e := newTestEngine(&fakeCatalog{err: errors.New("must not be called")}, nil, nil, time.Time{})
	settings := enabledSettings()
	settings.Enabled = false

	dec, err := e.Decide(context.Background(), settings, Request{VideoUUID: premiumUUID, Playback: true})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, types.ReasonGatingDisabled, dec.Reason)
}

func TestEngine_NonPremiumVideoAllowed(t *testing.T) {
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{}}, nil, nil, time.Time{})

	dec, err := e.Decide(context.Background(), enabledSettings(), Request{VideoUUID: "other-uuid", Playback: true})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, types.ReasonNotPremium, dec.Reason)
}

func TestEngine_AllowlistedAgentBypassesGating(t *testing.T) {
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}}, nil, nil, time.Time{})
	settings := enabledSettings()
	settings.AgentAllowlist = regexp.MustCompile(`(?i)twitterbot|slackbot`)

	dec, err := e.Decide(context.Background(), settings, Request{
		VideoUUID: premiumUUID, UserAgent: "Twitterbot/1.0", Playback: true,
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, types.ReasonAgentAllowlisted, dec.Reason)
}

func TestEngine_AnonymousViewerGetsStandIn(t *testing.T) {
	standIn := &fakeStandInSource{video: standInVideo()}
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}}, nil, standIn, time.Time{})

	dec, err := e.Decide(context.Background(), enabledSettings(), Request{VideoUUID: premiumUUID, Playback: true})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, types.ReasonAnonymous, dec.Reason)
	require.NotNil(t, dec.Substitute)
	assert.Equal(t, "https://tube.example.com/standin/master.m3u8", dec.Substitute.StreamingPlaylists[0].PlaylistURL)
}

func TestEngine_GraceWindowBoundary(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	grace := 24 * time.Hour

	cases := []struct {
		name      string
		paidUntil time.Time
		allowed   bool
	}{
		{"paid through the future", now.Add(time.Hour), true},
		{"expires exactly now", now, true},
		{"inside the grace window", now.Add(-grace + time.Millisecond), true},
		{"grace boundary itself", now.Add(-grace), true},
		{"just past the grace window", now.Add(-grace - time.Millisecond), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			paidUntil := tc.paidUntil
			ents := &fakeEntitlements{rows: map[int64]*types.UserEntitlement{
				42: {UserID: 42, PaidUntil: &paidUntil},
			}}
			standIn := &fakeStandInSource{video: standInVideo()}
			e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}}, ents, standIn, now)

			settings := enabledSettings()
			settings.GraceWindow = grace

			dec, err := e.Decide(context.Background(), settings, Request{
				VideoUUID: premiumUUID,
				Actor:     &types.Actor{UserID: 42},
				Playback:  true,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, dec.Allowed)
			if tc.allowed {
				assert.Equal(t, types.ReasonEntitled, dec.Reason)
			} else {
				assert.Equal(t, types.ReasonNotEntitled, dec.Reason)
			}
		})
	}
}

func TestEngine_UserWithoutEntitlementRowIsDenied(t *testing.T) {
	standIn := &fakeStandInSource{video: standInVideo()}
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}},
		&fakeEntitlements{rows: map[int64]*types.UserEntitlement{}}, standIn, time.Time{})

	dec, err := e.Decide(context.Background(), enabledSettings(), Request{
		VideoUUID: premiumUUID, Actor: &types.Actor{UserID: 42}, Playback: true,
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, types.ReasonNotEntitled, dec.Reason)
}

func TestEngine_MissingStandInFailsOpen(t *testing.T) {
	// Stand-in URL resolves to nothing: the denial degrades to an allow.
	standIn := &fakeStandInSource{video: nil}
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}}, nil, standIn, time.Time{})

	dec, err := e.Decide(context.Background(), enabledSettings(), Request{VideoUUID: premiumUUID, Playback: true})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, types.ReasonStandInMissing, dec.Reason)
	assert.Nil(t, dec.Substitute)
}

func TestEngine_NoStandInConfiguredFailsOpen(t *testing.T) {
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}}, nil, nil, time.Time{})
	settings := enabledSettings()
	settings.ReplacementVideoURL = ""

	dec, err := e.Decide(context.Background(), settings, Request{VideoUUID: premiumUUID, Playback: true})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, types.ReasonStandInMissing, dec.Reason)
}

func TestEngine_DownloadDenialHasNoSubstitute(t *testing.T) {
	standIn := &fakeStandInSource{video: standInVideo()}
	e := newTestEngine(&fakeCatalog{premium: map[string]bool{premiumUUID: true}}, nil, standIn, time.Time{})

	dec, err := e.Decide(context.Background(), enabledSettings(), Request{VideoUUID: premiumUUID, Playback: false})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, types.ReasonAnonymous, dec.Reason)
	assert.Nil(t, dec.Substitute)
	assert.EqualValues(t, 0, standIn.calls.Load())
}

func TestEngine_CatalogErrorPropagates(t *testing.T) {
	boom := types.NewAppError(types.ErrCodeInternalDB, "db down", nil)
	e := newTestEngine(&fakeCatalog{err: boom}, nil, nil, time.Time{})

	_, err := e.Decide(context.Background(), enabledSettings(), Request{VideoUUID: premiumUUID, Playback: true})
	require.Error(t, err)
	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestStandInLoader_CachesAndCollapsesLookups(t *testing.T) {
	source := &fakeStandInSource{video: standInVideo()}
	loader := NewStandInLoader(source, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := loader.Load(context.Background(), "https://tube.example.com/standin/master.m3u8")
			assert.NoError(t, err)
			assert.NotNil(t, v)
		}()
	}
	wg.Wait()

	// Sequential hits after the burst come from cache.
	for i := 0; i < 3; i++ {
		_, err := loader.Load(context.Background(), "https://tube.example.com/standin/master.m3u8")
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, source.calls.Load(), int64(8))

	after := source.calls.Load()
	_, err := loader.Load(context.Background(), "https://tube.example.com/standin/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, after, source.calls.Load())
}

func TestStandInLoader_URLChangeInvalidatesCache(t *testing.T) {
	source := &fakeStandInSource{video: standInVideo()}
	loader := NewStandInLoader(source, nil)

	_, err := loader.Load(context.Background(), "https://tube.example.com/standin/old.m3u8")
	require.NoError(t, err)
	first := source.calls.Load()

	_, err = loader.Load(context.Background(), "https://tube.example.com/standin/new.m3u8")
	require.NoError(t, err)
	assert.Greater(t, source.calls.Load(), first)
}

func TestStandInLoader_UUIDReferenceLoadsByUUID(t *testing.T) {
	source := &fakeStandInSource{video: standInVideo()}
	loader := NewStandInLoader(source, nil)

	v, err := loader.Load(context.Background(), "99999999-8888-7777-6666-555555555555")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(1), source.byUUID.Load())
	assert.Equal(t, "99999999-8888-7777-6666-555555555555", source.lastRef)
}

func TestApplyStandIn_KeepsIdentitySwapsPlaylists(t *testing.T) {
	original := &types.PlayableVideo{
		ID: 1, UUID: premiumUUID, Name: "Premium Documentary",
		StreamingPlaylists: []types.StreamingPlaylist{
			{PlaylistURL: "https://tube.example.com/premium/master.m3u8"},
		},
	}

	out := ApplyStandIn(original, standInVideo())
	assert.Equal(t, original.UUID, out.UUID)
	assert.Equal(t, original.Name, out.Name)
	require.Len(t, out.StreamingPlaylists, 1)
	assert.Equal(t, "https://tube.example.com/standin/master.m3u8", out.StreamingPlaylists[0].PlaylistURL)
	// The original is untouched.
	assert.Equal(t, "https://tube.example.com/premium/master.m3u8", original.StreamingPlaylists[0].PlaylistURL)
}
