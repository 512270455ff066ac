package soundcloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	"github.com/chartpulse/chartpulse/internal/identity"
	"github.com/chartpulse/chartpulse/internal/store"
)

const chartPage = `{
	"collection": [
		{
			"score": 812.5,
			"track": {
				"id": 901,
				"title": "Undertow",
				"user": {"id": 55, "username": "lowtide"},
				"playback_count": %d,
				"likes_count": %d,
				"reposts_count": 0,
				"created_at": "2026-03-08T09:00:00Z",
				"last_modified": "2026-03-10T09:30:00Z",
				"genre": "Electronic"
			}
		}
	]
}`

type chartFixture struct {
	ingestor *Ingestor
	store    *store.Memory
	plays    atomic.Int64
	likes    atomic.Int64
	now      time.Time
	advance  func(d time.Duration)
}

func newChartFixture(t *testing.T) *chartFixture {
	t.Helper()

	f := &chartFixture{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	f.plays.Store(1000)
	f.likes.Store(50)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/charts", r.URL.Path)
		require.Equal(t, "trending", r.URL.Query().Get("kind"))
		require.Equal(t, "test-client", r.URL.Query().Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, chartPage, f.plays.Load(), f.likes.Load())
	}))
	t.Cleanup(srv.Close)

	mem := store.NewMemory(func() time.Duration { return 72 * time.Hour })
	logger := zerolog.Nop()

	f.store = mem
	f.advance = func(d time.Duration) { f.now = f.now.Add(d) }
	f.ingestor = NewIngestor(Config{
		Client:     NewClient(http.DefaultClient, srv.URL, "test-client", 1000),
		Tracks:     mem,
		Signals:    mem,
		Resolver:   identity.NewResolver(),
		Logger:     &logger,
		Genres:     []string{"soundcloud:genres:electronic"},
		ChartLimit: 50,
		Now:        func() time.Time { return f.now },
	})

	return f
}

func TestFirstSightingRecordsBaselineOnly(t *testing.T) {
	f := newChartFixture(t)

	result, err := f.ingestor.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TracksProcessed)
	assert.Zero(t, result.SnapshotsCreated, "lifetime totals are a baseline, not a delta")

	trackID := identity.NewResolver().Resolve("Undertow", "lowtide")

	track, err := f.store.GetTrack(context.Background(), trackID)
	require.NoError(t, err)
	assert.Equal(t, "901", track.PlatformKeys["soundcloud"])

	count, err := f.store.CountSignals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSecondPollEmitsEngagementDelta(t *testing.T) {
	f := newChartFixture(t)

	_, err := f.ingestor.Ingest(context.Background())
	require.NoError(t, err)

	f.plays.Add(300)
	f.likes.Add(20)
	f.advance(15 * time.Minute)

	result, err := f.ingestor.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.SnapshotsCreated)

	trackID := identity.NewResolver().Resolve("Undertow", "lowtide")

	history, err := f.store.History(context.Background(), trackID, domain.SourceSoundcloudTrendMetric, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 320.0, history[0].Magnitude)
	assert.Equal(t, "Electronic", history[0].Context["genre"])
	assert.Equal(t, "812.50", history[0].Context["chart_score"])
}

func TestFlatEngagementEmitsNothing(t *testing.T) {
	f := newChartFixture(t)

	_, err := f.ingestor.Ingest(context.Background())
	require.NoError(t, err)

	f.advance(15 * time.Minute)

	result, err := f.ingestor.Ingest(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.SnapshotsCreated)
}

func TestRepeatedDeltasGetDistinctObservationTimes(t *testing.T) {
	f := newChartFixture(t)

	_, err := f.ingestor.Ingest(context.Background())
	require.NoError(t, err)

	// The platform timestamp never advances, so the second delta must fall
	// back to the poll instant instead of colliding with the first.
	for i := 0; i < 2; i++ {
		f.plays.Add(100)
		f.advance(15 * time.Minute)

		_, err = f.ingestor.Ingest(context.Background())
		require.NoError(t, err)
	}

	trackID := identity.NewResolver().Resolve("Undertow", "lowtide")

	history, err := f.store.History(context.Background(), trackID, domain.SourceSoundcloudTrendMetric, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].ObservedAt.Before(history[1].ObservedAt))
}

func TestChartErrorCountedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	mem := store.NewMemory(func() time.Duration { return 72 * time.Hour })
	logger := zerolog.Nop()

	ing := NewIngestor(Config{
		Client:     NewClient(http.DefaultClient, srv.URL, "test-client", 1000),
		Tracks:     mem,
		Signals:    mem,
		Resolver:   identity.NewResolver(),
		Logger:     &logger,
		ChartLimit: 50,
	})

	result, err := ing.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
}
