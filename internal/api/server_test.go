package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	"github.com/chartpulse/chartpulse/internal/engine/ranker"
	"github.com/chartpulse/chartpulse/internal/platform/config"
	"github.com/chartpulse/chartpulse/internal/store"
)

func testParams() config.Params {
	return config.Params{
		DecayHalfLife: 48 * time.Hour,
		Window:        168 * time.Hour,
		SourceWeights: map[domain.Source]float64{
			domain.SourceSpotifyPlaylistAdd:    0.6,
			domain.SourceSoundcloudTrendMetric: 0.4,
		},
		EnterThreshold:      0.6,
		ExitThreshold:       0.4,
		DwellCount:          1,
		CrossPlatformBonus:  1.25,
		StalenessWindow:     72 * time.Hour,
		ColdStartPrior:      25,
		NormalizerMinSample: 30,
	}
}

type apiFixture struct {
	server *httptest.Server
	store  *store.Memory
	ranker *ranker.Ranker
	now    time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	mem := store.NewMemory(func() time.Duration { return 72 * time.Hour })
	logger := zerolog.Nop()
	rk := ranker.New(mem, func() config.Params { return testParams() }, &logger)

	srv := httptest.NewServer(NewServer(mem, rk, 0, &logger).Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{
		server: srv,
		store:  mem,
		ranker: rk,
		now:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (f *apiFixture) seedTrack(t *testing.T, id, title, artist string) {
	t.Helper()

	require.NoError(t, f.store.UpsertTrack(context.Background(), domain.Track{
		ID:           id,
		Title:        title,
		Artist:       artist,
		PlatformKeys: map[string]string{"spotify": "sp-" + id},
		FirstSeenAt:  f.now,
	}))
}

func (f *apiFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()

	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestRootReportsService(t *testing.T) {
	f := newAPIFixture(t)

	var body map[string]string

	require.Equal(t, http.StatusOK, f.getJSON(t, "/", &body))
	assert.Equal(t, "chartpulse", body["service"])
}

func TestListTracksPaginates(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTrack(t, "t1", "One", "A")
	f.seedTrack(t, "t2", "Two", "B")
	f.seedTrack(t, "t3", "Three", "C")

	var body struct {
		Tracks []trackViewBody `json:"tracks"`
		Total  int64           `json:"total"`
	}

	require.Equal(t, http.StatusOK, f.getJSON(t, "/tracks?limit=2", &body))
	assert.Len(t, body.Tracks, 2)
	assert.Equal(t, int64(3), body.Total)
}

func TestGetTrackAndNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTrack(t, "t1", "Neon Tide", "Mara Voss")

	var body trackViewBody

	require.Equal(t, http.StatusOK, f.getJSON(t, "/tracks/t1", &body))
	assert.Equal(t, "Neon Tide", body.Title)
	assert.Equal(t, "sp-t1", body.PlatformKeys["spotify"])

	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/tracks/missing", nil))
}

func TestTrackHistoryFiltersAndValidates(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTrack(t, "t1", "One", "A")

	require.NoError(t, f.store.Append(context.Background(), domain.SignalEnvelope{
		TrackID:    "t1",
		Source:     domain.SourceSpotifyPlaylistAdd,
		ObservedAt: f.now,
		IngestedAt: f.now,
		Magnitude:  3,
	}))
	require.NoError(t, f.store.Append(context.Background(), domain.SignalEnvelope{
		TrackID:    "t1",
		Source:     domain.SourceSoundcloudTrendMetric,
		ObservedAt: f.now,
		IngestedAt: f.now,
		Magnitude:  7,
	}))

	var body struct {
		Signals []signalView `json:"signals"`
	}

	require.Equal(t, http.StatusOK, f.getJSON(t, "/tracks/t1/history?source=spotify_playlist_add", &body))
	require.Len(t, body.Signals, 1)
	assert.Equal(t, 3.0, body.Signals[0].Magnitude)

	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/tracks/t1/history?source=myspace", nil))
	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/tracks/t1/history?since=yesterday", nil))
	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/tracks/missing/history", nil))
}

func TestTrackScoresSeries(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTrack(t, "t1", "One", "A")

	require.NoError(t, f.store.SaveScore(context.Background(), domain.MomentumScore{
		TrackID: "t1", Score: 0.42, ComputedAt: f.now,
		ContributingSources: []domain.Source{domain.SourceSpotifyPlaylistAdd},
	}))

	var body struct {
		Scores []scoreView `json:"scores"`
	}

	require.Equal(t, http.StatusOK, f.getJSON(t, "/tracks/t1/scores", &body))
	require.Len(t, body.Scores, 1)
	assert.Equal(t, 0.42, body.Scores[0].Score)
	assert.Equal(t, []string{"spotify_playlist_add"}, body.Scores[0].Sources)
}

func TestLeaderboardAndEmerging(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTrack(t, "t1", "One", "A")
	f.seedTrack(t, "t2", "Two", "B")

	// Dwell is 1 in the test params, so one pass commits membership.
	_, err := f.ranker.Apply(context.Background(), map[string]domain.MomentumScore{
		"t1": {TrackID: "t1", Score: 0.9, QualifyingSignalAt: f.now},
		"t2": {TrackID: "t2", Score: 0.3, QualifyingSignalAt: f.now},
	}, f.now)
	require.NoError(t, err)

	var board struct {
		Entries []entryView `json:"entries"`
	}

	require.Equal(t, http.StatusOK, f.getJSON(t, "/leaderboard?limit=10", &board))
	require.Len(t, board.Entries, 2)
	assert.Equal(t, "t1", board.Entries[0].TrackID)
	assert.Equal(t, "member", board.Entries[0].State)

	var emerging struct {
		Emerging []emergingView `json:"emerging"`
	}

	require.Equal(t, http.StatusOK, f.getJSON(t, "/emerging", &emerging))
	require.Len(t, emerging.Emerging, 1)
	assert.Equal(t, "t1", emerging.Emerging[0].TrackID)
	assert.Equal(t, f.now, emerging.Emerging[0].EnteredAt.UTC())
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTrack(t, "t1", "One", "A")

	require.NoError(t, f.store.Append(context.Background(), domain.SignalEnvelope{
		TrackID:    "t1",
		Source:     domain.SourceSpotifyPlaylistAdd,
		ObservedAt: f.now,
		IngestedAt: f.now,
		Magnitude:  1,
	}))

	var body struct {
		Tracks      int64 `json:"tracks"`
		Signals     int64 `json:"signals"`
		EmergingSet int64 `json:"emerging_set"`
	}

	require.Equal(t, http.StatusOK, f.getJSON(t, "/stats", &body))
	assert.Equal(t, int64(1), body.Tracks)
	assert.Equal(t, int64(1), body.Signals)
	assert.Zero(t, body.EmergingSet)
}
