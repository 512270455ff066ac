// Package config loads service configuration from the environment and
// defines the validated engine parameter set.
//
// Two layers exist on purpose: Config is the process-level environment
// (DSNs, ports, adapter credentials, poll cadences) parsed once at startup,
// while Params is the engine tuning surface (decay, window, weights,
// thresholds) that can be replaced at runtime without a restart. Env values
// seed the initial Params; later candidates come from the settings store and
// are rejected whole when invalid.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
)

const weightSumTolerance = 1e-6

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`
	APIPort     int    `env:"API_PORT" envDefault:"8081"`

	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"10"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"2"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"30s"`

	// Engine cadence
	EngineTickInterval time.Duration `env:"ENGINE_TICK_INTERVAL" envDefault:"1m"`
	ParamsReloadKey    string        `env:"PARAMS_RELOAD_KEY" envDefault:"engine_params"`
	ArchiveAfter       time.Duration `env:"ARCHIVE_AFTER" envDefault:"720h"`
	ArchiveSweepEvery  time.Duration `env:"ARCHIVE_SWEEP_EVERY" envDefault:"6h"`

	// Engine parameter defaults (hot-reloadable via the settings store)
	DecayHalfLife       time.Duration `env:"DECAY_HALF_LIFE" envDefault:"48h"`
	ScoringWindow       time.Duration `env:"SCORING_WINDOW" envDefault:"168h"`
	SpotifyWeight       float64       `env:"SPOTIFY_WEIGHT" envDefault:"0.6"`
	SoundcloudWeight    float64       `env:"SOUNDCLOUD_WEIGHT" envDefault:"0.4"`
	EnterThreshold      float64       `env:"ENTER_THRESHOLD" envDefault:"0.6"`
	ExitThreshold       float64       `env:"EXIT_THRESHOLD" envDefault:"0.4"`
	DwellCount          int           `env:"DWELL_COUNT" envDefault:"2"`
	CrossPlatformBonus  float64       `env:"CROSS_PLATFORM_BONUS" envDefault:"1.25"`
	StalenessWindow     time.Duration `env:"STALENESS_WINDOW" envDefault:"72h"`
	ColdStartPrior      float64       `env:"COLD_START_PRIOR" envDefault:"25"`
	NormalizerMinSample int           `env:"NORMALIZER_MIN_SAMPLE" envDefault:"30"`

	// Spotify adapter
	SpotifyClientID     string        `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string        `env:"SPOTIFY_CLIENT_SECRET"`
	SpotifyBaseURL      string        `env:"SPOTIFY_BASE_URL" envDefault:"https://api.spotify.com/v1"`
	SpotifyTokenURL     string        `env:"SPOTIFY_TOKEN_URL" envDefault:"https://accounts.spotify.com/api/token"`
	SpotifyPollInterval time.Duration `env:"SPOTIFY_POLL_INTERVAL" envDefault:"15m"`
	SpotifyReleaseLimit int           `env:"SPOTIFY_RELEASE_LIMIT" envDefault:"20"`
	SpotifyPlaylistIDs  []string      `env:"SPOTIFY_PLAYLIST_IDS" envSeparator:","`
	SpotifyRPS          float64       `env:"SPOTIFY_RPS" envDefault:"4"`

	// Soundcloud adapter
	SoundcloudClientID     string        `env:"SOUNDCLOUD_CLIENT_ID"`
	SoundcloudBaseURL      string        `env:"SOUNDCLOUD_BASE_URL" envDefault:"https://api-v2.soundcloud.com"`
	SoundcloudPollInterval time.Duration `env:"SOUNDCLOUD_POLL_INTERVAL" envDefault:"15m"`
	SoundcloudGenres       []string      `env:"SOUNDCLOUD_GENRES" envSeparator:","`
	SoundcloudChartLimit   int           `env:"SOUNDCLOUD_CHART_LIMIT" envDefault:"50"`
	SoundcloudRPS          float64       `env:"SOUNDCLOUD_RPS" envDefault:"2"`
}

// Load parses environment configuration, optionally seeded from a .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	if err := cfg.Params().Validate(); err != nil {
		return nil, fmt.Errorf("engine defaults: %w", err)
	}

	return cfg, nil
}

// Params is the hot-reloadable engine tuning surface. JSON tags match the
// settings-store representation.
type Params struct {
	DecayHalfLife       time.Duration             `json:"decay_half_life"`
	Window              time.Duration             `json:"window"`
	SourceWeights       map[domain.Source]float64 `json:"source_weights"`
	EnterThreshold      float64                   `json:"enter_threshold"`
	ExitThreshold       float64                   `json:"exit_threshold"`
	DwellCount          int                       `json:"dwell_count"`
	CrossPlatformBonus  float64                   `json:"cross_platform_bonus"`
	StalenessWindow     time.Duration             `json:"staleness_window"`
	ColdStartPrior      float64                   `json:"cold_start_prior"`
	NormalizerMinSample int                       `json:"normalizer_min_sample"`
}

// Params assembles the engine defaults from environment values.
func (c *Config) Params() Params {
	return Params{
		DecayHalfLife: c.DecayHalfLife,
		Window:        c.ScoringWindow,
		SourceWeights: map[domain.Source]float64{
			domain.SourceSpotifyPlaylistAdd:    c.SpotifyWeight,
			domain.SourceSoundcloudTrendMetric: c.SoundcloudWeight,
		},
		EnterThreshold:      c.EnterThreshold,
		ExitThreshold:       c.ExitThreshold,
		DwellCount:          c.DwellCount,
		CrossPlatformBonus:  c.CrossPlatformBonus,
		StalenessWindow:     c.StalenessWindow,
		ColdStartPrior:      c.ColdStartPrior,
		NormalizerMinSample: c.NormalizerMinSample,
	}
}

// Validate rejects parameter sets that would corrupt scoring or ranking.
// A failed candidate is never applied partially.
func (p Params) Validate() error {
	if p.DecayHalfLife <= 0 {
		return fmt.Errorf("%w: decay half-life must be positive, got %s", apperrors.ErrConfigInvalid, p.DecayHalfLife)
	}

	if p.Window <= 0 {
		return fmt.Errorf("%w: scoring window must be positive, got %s", apperrors.ErrConfigInvalid, p.Window)
	}

	if p.StalenessWindow <= 0 {
		return fmt.Errorf("%w: staleness window must be positive, got %s", apperrors.ErrConfigInvalid, p.StalenessWindow)
	}

	if len(p.SourceWeights) == 0 {
		return fmt.Errorf("%w: no source weights configured", apperrors.ErrConfigInvalid)
	}

	var sum float64

	for source, weight := range p.SourceWeights {
		if !source.Valid() {
			return fmt.Errorf("%w: unknown source %q in weights", apperrors.ErrConfigInvalid, source)
		}

		if weight < 0 {
			return fmt.Errorf("%w: negative weight %v for source %q", apperrors.ErrConfigInvalid, weight, source)
		}

		sum += weight
	}

	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%w: source weights must sum to 1, got %v", apperrors.ErrConfigInvalid, sum)
	}

	if p.ExitThreshold >= p.EnterThreshold {
		return fmt.Errorf("%w: exit threshold %v must be strictly below enter threshold %v",
			apperrors.ErrConfigInvalid, p.ExitThreshold, p.EnterThreshold)
	}

	if p.EnterThreshold <= 0 || p.EnterThreshold > 1 {
		return fmt.Errorf("%w: enter threshold %v outside (0, 1]", apperrors.ErrConfigInvalid, p.EnterThreshold)
	}

	if p.ExitThreshold < 0 {
		return fmt.Errorf("%w: exit threshold %v must not be negative", apperrors.ErrConfigInvalid, p.ExitThreshold)
	}

	if p.DwellCount < 1 {
		return fmt.Errorf("%w: dwell count must be at least 1, got %d", apperrors.ErrConfigInvalid, p.DwellCount)
	}

	if p.CrossPlatformBonus <= 1 {
		return fmt.Errorf("%w: cross-platform bonus must exceed 1.0, got %v", apperrors.ErrConfigInvalid, p.CrossPlatformBonus)
	}

	if p.ColdStartPrior <= 0 {
		return fmt.Errorf("%w: cold-start prior must be positive, got %v", apperrors.ErrConfigInvalid, p.ColdStartPrior)
	}

	if p.NormalizerMinSample < 1 {
		return fmt.Errorf("%w: normalizer min sample must be at least 1, got %d", apperrors.ErrConfigInvalid, p.NormalizerMinSample)
	}

	return nil
}

// Lambda converts the half-life into the exponential decay constant used by
// the scorer: exp(-lambda * age).
func (p Params) Lambda() float64 {
	return math.Ln2 / p.DecayHalfLife.Seconds()
}
