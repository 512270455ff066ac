package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
)

const testStaleness = 72 * time.Hour

func newTestStore() *Memory {
	return NewMemory(func() time.Duration { return testStaleness })
}

func envelope(trackID string, source domain.Source, observedAt time.Time, magnitude float64) domain.SignalEnvelope {
	return domain.SignalEnvelope{
		TrackID:    trackID,
		Source:     source,
		ObservedAt: observedAt,
		IngestedAt: observedAt.Add(time.Minute),
		Magnitude:  magnitude,
	}
}

func TestAppendIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	env := envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 5)

	require.NoError(t, m.Append(ctx, env))
	require.NoError(t, m.Append(ctx, env), "identical re-delivery must be a silent no-op")

	count, err := m.CountSignals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppendLowerMagnitudeDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 8)))

	err := m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateSignal)

	history, err := m.History(ctx, "t1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 8.0, history[0].Magnitude)
}

func TestAppendHigherMagnitudeSupersedes(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 5)))
	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 9)))

	history, err := m.History(ctx, "t1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 9.0, history[0].Magnitude)
}

func TestAppendStaleRejectedHistoryUnchanged(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 5)))

	stale := envelope("t1", domain.SourceSpotifyPlaylistAdd, now.Add(-testStaleness-time.Hour), 3)
	err := m.Append(ctx, stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStaleSignal)

	history, err := m.History(ctx, "t1", "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAppendOutOfOrderWithinWindowAccepted(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 5)))
	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now.Add(-time.Hour), 2)))

	history, err := m.History(ctx, "t1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].ObservedAt.Before(history[1].ObservedAt), "history must ascend by observed_at")
}

func TestHistoryFiltersSourceAndSince(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now.Add(-2*time.Hour), 1)))
	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 2)))
	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSoundcloudTrendMetric, now, 3)))
	require.NoError(t, m.Append(ctx, envelope("t2", domain.SourceSpotifyPlaylistAdd, now, 4)))

	spotifyOnly, err := m.History(ctx, "t1", domain.SourceSpotifyPlaylistAdd, time.Time{})
	require.NoError(t, err)
	assert.Len(t, spotifyOnly, 2)

	recent, err := m.History(ctx, "t1", "", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestDirtyMarkersLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 1)))
	require.NoError(t, m.Append(ctx, envelope("t2", domain.SourceSoundcloudTrendMetric, now, 1)))

	dirty, err := m.DirtyTracks(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, dirty)

	// Replay must not re-mark anything after a clear.
	require.NoError(t, m.ClearDirty(ctx, dirty, now.Add(time.Hour)))
	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 1)))

	dirty, err = m.DirtyTracks(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestClearDirtySparesMarkersRefreshedMidPass(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, now, 1)))

	dirty, err := m.DirtyTracks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, dirty)

	passStart := now.Add(2 * time.Minute)

	// An append landing while the pass runs refreshes the marker; cleanup
	// scoped to the pass start must leave it for the next pass.
	require.NoError(t, m.Append(ctx, envelope("t1", domain.SourceSpotifyPlaylistAdd, passStart, 1)))
	require.NoError(t, m.ClearDirty(ctx, dirty, passStart))

	dirty, err = m.DirtyTracks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, dirty)
}

func TestAppendConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	base := time.Now().UTC()

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			env := envelope("t1", domain.SourceSpotifyPlaylistAdd, base.Add(time.Duration(i%10)*time.Minute), float64(i%10))
			_ = m.Append(ctx, env)
		}(i)
	}

	wg.Wait()

	history, err := m.History(ctx, "t1", "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, history, 10)
}

func TestUpsertTrackMergesAndRevives(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.UpsertTrack(ctx, domain.Track{
		ID: "t1", Title: "Song", Artist: "Artist",
		PlatformKeys: map[string]string{"spotify": "sp-1"},
		FirstSeenAt:  now,
	}))

	archived := now
	stored, err := m.GetTrack(ctx, "t1")
	require.NoError(t, err)
	stored.ArchivedAt = &archived
	m.tracks["t1"] = stored

	require.NoError(t, m.UpsertTrack(ctx, domain.Track{
		ID:           "t1",
		PlatformKeys: map[string]string{"soundcloud": "sc-9"},
	}))

	track, err := m.GetTrack(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sp-1", track.PlatformKeys["spotify"])
	assert.Equal(t, "sc-9", track.PlatformKeys["soundcloud"])
	assert.Nil(t, track.ArchivedAt, "re-sighting must revive an archived track")
}

func TestGetTrackNotFound(t *testing.T) {
	_, err := newTestStore().GetTrack(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrTrackNotFound)
}

func TestArchiveInactive(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.UpsertTrack(ctx, domain.Track{ID: "old", FirstSeenAt: now.Add(-90 * 24 * time.Hour)}))
	require.NoError(t, m.UpsertTrack(ctx, domain.Track{ID: "fresh", FirstSeenAt: now}))
	require.NoError(t, m.Append(ctx, envelope("old", domain.SourceSpotifyPlaylistAdd, now.Add(-60*24*time.Hour), 1)))
	require.NoError(t, m.Append(ctx, envelope("fresh", domain.SourceSpotifyPlaylistAdd, now, 1)))

	flagged, err := m.ArchiveInactive(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), flagged)

	old, err := m.GetTrack(ctx, "old")
	require.NoError(t, err)
	assert.True(t, old.Archived())

	fresh, err := m.GetTrack(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, fresh.Archived())
}

func TestScoreSeriesAndLatest(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.SaveScore(ctx, domain.MomentumScore{TrackID: "t1", Score: 0.3, ComputedAt: now.Add(-time.Hour)}))
	require.NoError(t, m.SaveScore(ctx, domain.MomentumScore{TrackID: "t1", Score: 0.7, ComputedAt: now}))

	latest, err := m.LatestScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.7, latest["t1"].Score)

	series, err := m.ScoreHistory(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, series, 2)
}

func TestMembershipLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	now := time.Now().UTC()

	require.NoError(t, m.OpenMembership(ctx, "t1", now))

	active, err := m.ActiveMemberships(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Nil(t, active[0].ExitedAt)

	require.NoError(t, m.CloseMembership(ctx, "t1", now.Add(time.Hour)))

	active, err = m.ActiveMemberships(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	type tuning struct {
		Enter float64 `json:"enter"`
	}

	require.NoError(t, m.SaveSetting(ctx, "engine_params", tuning{Enter: 0.55}))

	var got tuning

	require.NoError(t, m.GetSetting(ctx, "engine_params", &got))
	assert.Equal(t, 0.55, got.Enter)

	var untouched tuning

	require.NoError(t, m.GetSetting(ctx, "missing", &untouched))
	assert.Zero(t, untouched.Enter)
}
