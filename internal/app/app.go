// Package app provides the application bootstrap and runtime orchestration.
//
// The App type wires together all dependencies and exposes methods to run
// the operational modes:
//
//   - Ingest mode: platform adapters polling Spotify and Soundcloud
//   - Engine mode: the scoring/ranking tick plus the archive sweep
//   - Serve mode: the read-only JSON API
//   - All mode: every role in one process, for single-node deployments
//
// Each mode can run independently or combined based on deployment needs.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartpulse/chartpulse/internal/api"
	"github.com/chartpulse/chartpulse/internal/engine"
	"github.com/chartpulse/chartpulse/internal/engine/normalize"
	"github.com/chartpulse/chartpulse/internal/engine/ranker"
	"github.com/chartpulse/chartpulse/internal/engine/scorer"
	"github.com/chartpulse/chartpulse/internal/identity"
	"github.com/chartpulse/chartpulse/internal/ingest"
	"github.com/chartpulse/chartpulse/internal/ingest/soundcloud"
	"github.com/chartpulse/chartpulse/internal/ingest/spotify"
	"github.com/chartpulse/chartpulse/internal/platform/config"
	"github.com/chartpulse/chartpulse/internal/platform/observability"
	"github.com/chartpulse/chartpulse/internal/platform/worker"
	"github.com/chartpulse/chartpulse/internal/store"
)

// App holds the application dependencies and provides methods to run the
// operational modes.
type App struct {
	cfg      *config.Config
	database *store.DB
	logger   *zerolog.Logger

	params   *engine.ParamsHolder
	resolver *identity.Resolver
	ranker   *ranker.Ranker
	engine   *engine.Engine
}

// New creates an App and wires the engine components. The database's
// staleness window is rebound to the hot-reloadable parameter set.
func New(cfg *config.Config, database *store.DB, logger *zerolog.Logger) *App {
	params := engine.NewParamsHolder(cfg.Params())
	database.Staleness = func() time.Duration { return params.Current().StalenessWindow }

	normalizer := normalize.New(func() (float64, int) {
		p := params.Current()

		return p.ColdStartPrior, p.NormalizerMinSample
	})

	sc := scorer.New(database, normalizer, params.Current, logger)
	rk := ranker.New(database, params.Current, logger)

	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
		params:   params,
		resolver: identity.NewResolver(),
		ranker:   rk,
		engine:   engine.New(database, sc, rk, params, cfg.ParamsReloadKey, logger),
	}
}

// StartHealthServer starts the liveness, readiness, and metrics endpoints.
func (a *App) StartHealthServer(ctx context.Context) error {
	return observability.NewServer(a.database, a.cfg.HealthPort, a.logger).Start(ctx)
}

// RunIngest runs every configured platform adapter on its poll cadence until
// the context is canceled.
func (a *App) RunIngest(ctx context.Context) error {
	type poller struct {
		ingestor ingest.Ingestor
		interval time.Duration
	}

	pollers := make([]poller, 0, 2)

	if a.cfg.SpotifyClientID != "" {
		pollers = append(pollers, poller{
			ingestor: a.newSpotifyIngestor(ctx),
			interval: a.cfg.SpotifyPollInterval,
		})
	}

	if a.cfg.SoundcloudClientID != "" {
		pollers = append(pollers, poller{
			ingestor: a.newSoundcloudIngestor(),
			interval: a.cfg.SoundcloudPollInterval,
		})
	}

	if len(pollers) == 0 {
		return fmt.Errorf("no adapter credentials configured, nothing to ingest")
	}

	var wg sync.WaitGroup

	errs := make(chan error, len(pollers))

	for _, p := range pollers {
		wg.Add(1)

		go func(p poller) {
			defer wg.Done()
			defer worker.RecoverPanic(a.logger, p.ingestor.Name()+" ingest loop")

			errs <- worker.Loop(ctx, worker.Config{
				Name:         p.ingestor.Name() + "-ingest",
				PollInterval: p.interval,
				Process: func(ctx context.Context) error {
					_, err := p.ingestor.Ingest(ctx)

					return err
				},
				// Platform outages should not kill the loop.
				OnError: func(error) bool { return true },
				Logger:  a.logger,
			})
		}(p)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// RunEngine runs the scoring/ranking tick and the archive sweep. With once
// set it performs a single tick and returns, for cron-style deployments.
func (a *App) RunEngine(ctx context.Context, once bool) error {
	if err := a.ranker.Restore(ctx); err != nil {
		return err
	}

	if once {
		return a.engine.Tick(ctx)
	}

	return worker.TickerLoop(ctx, worker.TickerConfig{
		Name:       "engine",
		Interval:   a.cfg.EngineTickInterval,
		RunOnStart: true,
		OnTick: func(ctx context.Context) {
			defer worker.RecoverPanic(a.logger, "engine tick")

			if err := a.engine.Tick(ctx); err != nil {
				a.logger.Error().Err(err).Msg("engine tick failed")
			}
		},
		SecondaryInterval: a.cfg.ArchiveSweepEvery,
		OnSecondaryTick: func(ctx context.Context) {
			defer worker.RecoverPanic(a.logger, "archive sweep")

			a.archiveSweep(ctx)
		},
		Logger: a.logger,
	})
}

// RunServe serves the JSON API. The leaderboard snapshot is seeded from the
// persisted scores so a serve-only process answers immediately.
func (a *App) RunServe(ctx context.Context) error {
	if err := a.ranker.Restore(ctx); err != nil {
		return err
	}

	latest, err := a.database.LatestScores(ctx)
	if err != nil {
		return fmt.Errorf("seed leaderboard: %w", err)
	}

	a.ranker.Seed(latest, time.Now().UTC())

	return api.NewServer(a.database, a.ranker, a.cfg.APIPort, a.logger).Start(ctx)
}

// RunAll runs ingestion, the engine, and the API in one process.
func (a *App) RunAll(ctx context.Context) error {
	var wg sync.WaitGroup

	errs := make(chan error, 3)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := fn(ctx); err != nil {
				a.logger.Error().Err(err).Str("role", name).Msg("role stopped")
				errs <- err
			}
		}()
	}

	run("engine", func(ctx context.Context) error { return a.RunEngine(ctx, false) })
	run("serve", a.RunServe)

	if a.cfg.SpotifyClientID != "" || a.cfg.SoundcloudClientID != "" {
		run("ingest", a.RunIngest)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *App) newSpotifyIngestor(ctx context.Context) *spotify.Ingestor {
	client := spotify.NewClient(ctx, spotify.ClientConfig{
		ClientID:     a.cfg.SpotifyClientID,
		ClientSecret: a.cfg.SpotifyClientSecret,
		BaseURL:      a.cfg.SpotifyBaseURL,
		TokenURL:     a.cfg.SpotifyTokenURL,
		RPS:          a.cfg.SpotifyRPS,
	})

	return spotify.NewIngestor(spotify.Config{
		Client:       client,
		Tracks:       a.database,
		Signals:      a.database,
		Resolver:     a.resolver,
		Logger:       a.logger,
		PlaylistIDs:  a.cfg.SpotifyPlaylistIDs,
		ReleaseLimit: a.cfg.SpotifyReleaseLimit,
	})
}

func (a *App) newSoundcloudIngestor() *soundcloud.Ingestor {
	client := soundcloud.NewClient(nil, a.cfg.SoundcloudBaseURL, a.cfg.SoundcloudClientID, a.cfg.SoundcloudRPS)

	return soundcloud.NewIngestor(soundcloud.Config{
		Client:     client,
		Tracks:     a.database,
		Signals:    a.database,
		Resolver:   a.resolver,
		Logger:     a.logger,
		Genres:     a.cfg.SoundcloudGenres,
		ChartLimit: a.cfg.SoundcloudChartLimit,
	})
}

// archiveSweep flags tracks whose newest signal predates the retention
// cutoff. Archived tracks stay queryable and revive on the next sighting.
func (a *App) archiveSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-a.cfg.ArchiveAfter)

	flagged, err := a.database.ArchiveInactive(ctx, cutoff)
	if err != nil {
		a.logger.Error().Err(err).Msg("archive sweep failed")

		return
	}

	if flagged > 0 {
		observability.TracksArchived.Add(float64(flagged))
		a.logger.Info().Int64("flagged", flagged).Msg("archive sweep finished")
	}
}
