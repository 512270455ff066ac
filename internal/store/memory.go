package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
	"github.com/chartpulse/chartpulse/internal/platform/observability"
)

// Memory is the in-process store implementation. Appends for the same
// (track, source) pair are serialized through a keyed mutex so staleness and
// duplicate checks are race-free; reads take the shared lock and may run
// concurrently with appends for other keys.
type Memory struct {
	// Staleness supplies the current staleness window on every append,
	// so hot-reloaded parameters take effect without rebuilding the store.
	Staleness func() time.Duration

	mu          sync.RWMutex
	signals     map[domain.SignalKey]domain.SignalEnvelope
	latest      map[pairKey]time.Time
	dirty       map[string]time.Time
	tracks      map[string]domain.Track
	scores      map[string][]domain.MomentumScore
	memberships map[string][]domain.Membership
	settings    map[string][]byte

	keyMu    sync.Mutex
	keyLocks map[pairKey]*sync.Mutex
}

type pairKey struct {
	TrackID string
	Source  domain.Source
}

// NewMemory creates an empty in-process store.
func NewMemory(staleness func() time.Duration) *Memory {
	return &Memory{
		Staleness:   staleness,
		signals:     make(map[domain.SignalKey]domain.SignalEnvelope),
		latest:      make(map[pairKey]time.Time),
		dirty:       make(map[string]time.Time),
		tracks:      make(map[string]domain.Track),
		scores:      make(map[string][]domain.MomentumScore),
		memberships: make(map[string][]domain.Membership),
		settings:    make(map[string][]byte),
		keyLocks:    make(map[pairKey]*sync.Mutex),
	}
}

var (
	_ SignalStore     = (*Memory)(nil)
	_ TrackStore      = (*Memory)(nil)
	_ ScoreStore      = (*Memory)(nil)
	_ MembershipStore = (*Memory)(nil)
	_ SettingStore    = (*Memory)(nil)
)

func (m *Memory) lockKey(k pairKey) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	lock, ok := m.keyLocks[k]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[k] = lock
	}

	return lock
}

// Append implements SignalStore.
func (m *Memory) Append(_ context.Context, env domain.SignalEnvelope) error {
	pair := pairKey{TrackID: env.TrackID, Source: env.Source}

	keyLock := m.lockKey(pair)
	keyLock.Lock()
	defer keyLock.Unlock()

	m.mu.RLock()
	var existing *float64

	if stored, ok := m.signals[env.Key()]; ok {
		mag := stored.Magnitude
		existing = &mag
	}

	latest := m.latest[pair]
	m.mu.RUnlock()

	decision := classifyAppend(env, existing, latest, m.Staleness())

	switch decision {
	case appendReplay:
		observability.SignalsReplayed.WithLabelValues(string(env.Source)).Inc()

		return nil
	case appendDuplicate, appendStale:
		return decisionError(decision, env.Source)
	case appendInsert, appendSupersede:
	}

	m.mu.Lock()
	m.signals[env.Key()] = env

	if env.ObservedAt.After(m.latest[pair]) {
		m.latest[pair] = env.ObservedAt
	}

	m.dirty[env.TrackID] = env.IngestedAt
	m.mu.Unlock()

	observability.SignalsIngested.WithLabelValues(string(env.Source)).Inc()

	return nil
}

// History implements SignalStore.
func (m *Memory) History(_ context.Context, trackID string, source domain.Source, since time.Time) ([]domain.SignalEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.SignalEnvelope

	for key, env := range m.signals {
		if key.TrackID != trackID {
			continue
		}

		if source != "" && key.Source != source {
			continue
		}

		if env.ObservedAt.Before(since) {
			continue
		}

		out = append(out, env)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})

	return out, nil
}

// DirtyTracks implements SignalStore.
func (m *Memory) DirtyTracks(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.dirty))
	for id := range m.dirty {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

// ClearDirty implements SignalStore.
func (m *Memory) ClearDirty(_ context.Context, trackIDs []string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range trackIDs {
		if marked, ok := m.dirty[id]; ok && !marked.After(before) {
			delete(m.dirty, id)
		}
	}

	return nil
}

// CountSignals implements SignalStore.
func (m *Memory) CountSignals(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.signals)), nil
}

// UpsertTrack implements TrackStore.
func (m *Memory) UpsertTrack(_ context.Context, track domain.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tracks[track.ID]
	if !ok {
		if track.PlatformKeys == nil {
			track.PlatformKeys = make(map[string]string)
		}

		m.tracks[track.ID] = track

		return nil
	}

	for platform, key := range track.PlatformKeys {
		if stored.PlatformKeys == nil {
			stored.PlatformKeys = make(map[string]string)
		}

		stored.PlatformKeys[platform] = key
	}

	// A fresh sighting revives an archived track.
	stored.ArchivedAt = nil
	m.tracks[track.ID] = stored

	return nil
}

// GetTrack implements TrackStore.
func (m *Memory) GetTrack(_ context.Context, trackID string) (domain.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	track, ok := m.tracks[trackID]
	if !ok {
		return domain.Track{}, fmt.Errorf("get track %s: %w", trackID, apperrors.ErrTrackNotFound)
	}

	return track, nil
}

// ListTracks implements TrackStore.
func (m *Memory) ListTracks(_ context.Context, limit, offset int) ([]domain.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tracks))
	for id := range m.tracks {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}

	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	out := make([]domain.Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tracks[id])
	}

	return out, nil
}

// CountTracks implements TrackStore.
func (m *Memory) CountTracks(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.tracks)), nil
}

// ArchiveInactive implements TrackStore.
func (m *Memory) ArchiveInactive(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged int64

	for id, track := range m.tracks {
		if track.ArchivedAt != nil {
			continue
		}

		newest := time.Time{}

		for _, source := range domain.KnownSources {
			if latest := m.latest[pairKey{TrackID: id, Source: source}]; latest.After(newest) {
				newest = latest
			}
		}

		if newest.IsZero() || newest.After(cutoff) {
			continue
		}

		archivedAt := cutoff
		track.ArchivedAt = &archivedAt
		m.tracks[id] = track
		flagged++
	}

	return flagged, nil
}

// SaveScore implements ScoreStore.
func (m *Memory) SaveScore(_ context.Context, score domain.MomentumScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scores[score.TrackID] = append(m.scores[score.TrackID], score)

	return nil
}

// LatestScores implements ScoreStore.
func (m *Memory) LatestScores(_ context.Context) (map[string]domain.MomentumScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]domain.MomentumScore, len(m.scores))

	for id, series := range m.scores {
		if len(series) > 0 {
			out[id] = series[len(series)-1]
		}
	}

	return out, nil
}

// ScoreHistory implements ScoreStore.
func (m *Memory) ScoreHistory(_ context.Context, trackID string, since time.Time) ([]domain.MomentumScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MomentumScore

	for _, score := range m.scores[trackID] {
		if !score.ComputedAt.Before(since) {
			out = append(out, score)
		}
	}

	return out, nil
}

// OpenMembership implements MembershipStore.
func (m *Memory) OpenMembership(_ context.Context, trackID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memberships[trackID] = append(m.memberships[trackID], domain.Membership{
		TrackID:   trackID,
		EnteredAt: at,
	})

	return nil
}

// CloseMembership implements MembershipStore.
func (m *Memory) CloseMembership(_ context.Context, trackID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.memberships[trackID]
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].ExitedAt == nil {
			exited := at
			series[i].ExitedAt = &exited

			return nil
		}
	}

	return fmt.Errorf("close membership for %s: %w", trackID, apperrors.ErrNotFound)
}

// ActiveMemberships implements MembershipStore.
func (m *Memory) ActiveMemberships(_ context.Context) ([]domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Membership

	for _, series := range m.memberships {
		for _, membership := range series {
			if membership.ExitedAt == nil {
				out = append(out, membership)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].EnteredAt.Before(out[j].EnteredAt)
	})

	return out, nil
}

// CountActiveMemberships implements MembershipStore.
func (m *Memory) CountActiveMemberships(ctx context.Context) (int64, error) {
	active, err := m.ActiveMemberships(ctx)
	if err != nil {
		return 0, err
	}

	return int64(len(active)), nil
}

// SaveSetting implements SettingStore.
func (m *Memory) SaveSetting(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = raw

	return nil
}

// GetSetting implements SettingStore.
func (m *Memory) GetSetting(_ context.Context, key string, target any) error {
	m.mu.RLock()
	raw, ok := m.settings[key]
	m.mu.RUnlock()

	if !ok {
		return nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal setting %s: %w", key, err)
	}

	return nil
}
