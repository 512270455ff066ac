// Package ranker maintains the momentum leaderboard and the hysteresis-gated
// emerging set. Each ranking pass builds a fresh immutable snapshot and
// publishes it with an atomic swap, so readers never observe a
// partially-updated ranking.
package ranker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	"github.com/chartpulse/chartpulse/internal/platform/config"
	"github.com/chartpulse/chartpulse/internal/platform/observability"
	"github.com/chartpulse/chartpulse/internal/store"
)

const subscriberBuffer = 32

// Params returns the tuning values in force for the current pass.
type Params func() config.Params

// Entry is one leaderboard row: the track's latest score plus its hysteresis
// state.
type Entry struct {
	domain.MomentumScore

	State domain.RankState
}

// Snapshot is one immutable ranking, ordered by descending score with ties
// broken by the earlier qualifying signal.
type Snapshot struct {
	ComputedAt time.Time
	Entries    []Entry
}

// Ranker owns the per-track state machine and the published snapshot.
type Ranker struct {
	memberships store.MembershipStore
	params      Params
	logger      *zerolog.Logger

	mu          sync.Mutex
	states      map[string]*trackState
	subscribers map[int]chan domain.ChangeEvent
	nextSubID   int

	snapshot atomic.Pointer[Snapshot]
}

// trackState carries the hysteresis position for one track. streak counts
// consecutive qualifying ticks toward the pending transition.
type trackState struct {
	state  domain.RankState
	streak int
}

// New creates a Ranker persisting membership changes to the given store.
func New(memberships store.MembershipStore, params Params, logger *zerolog.Logger) *Ranker {
	r := &Ranker{
		memberships: memberships,
		params:      params,
		logger:      logger,
		states:      make(map[string]*trackState),
		subscribers: make(map[int]chan domain.ChangeEvent),
	}

	r.snapshot.Store(&Snapshot{})

	return r
}

// Restore seeds the state machine from open memberships, so a restart does
// not forget who is currently in the emerging set.
func (r *Ranker) Restore(ctx context.Context) error {
	active, err := r.memberships.ActiveMemberships(ctx)
	if err != nil {
		return fmt.Errorf("restore memberships: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range active {
		r.states[m.TrackID] = &trackState{state: domain.StateMember}
	}

	r.logger.Info().Int("members", len(active)).Msg("restored emerging-set state")

	return nil
}

// Apply runs one ranking pass over the latest scores, advances every track's
// state machine, persists membership changes, publishes the new snapshot,
// and fans out change events. Tracks known to the state machine but absent
// from scores are treated as scoring zero, so they decay toward exit.
func (r *Ranker) Apply(ctx context.Context, scores map[string]domain.MomentumScore, at time.Time) ([]domain.ChangeEvent, error) {
	params := r.params()

	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]domain.ChangeEvent, 0, 4)

	for trackID, score := range scores {
		event, err := r.advance(ctx, trackID, score.Score, at, params)
		if err != nil {
			return nil, err
		}

		if event != nil {
			events = append(events, *event)
		}
	}

	for trackID := range r.states {
		if _, scored := scores[trackID]; scored {
			continue
		}

		event, err := r.advance(ctx, trackID, 0, at, params)
		if err != nil {
			return nil, err
		}

		if event != nil {
			events = append(events, *event)
		}
	}

	r.snapshot.Store(r.buildSnapshot(scores, at))
	observability.EmergingSetSize.Set(float64(r.memberCount()))

	for _, event := range events {
		r.publish(event)
	}

	return events, nil
}

// advance moves one track through the state machine for one tick. The caller
// holds r.mu. A non-nil event means a committed Entered or Exited transition.
func (r *Ranker) advance(ctx context.Context, trackID string, score float64, at time.Time, params config.Params) (*domain.ChangeEvent, error) {
	ts, ok := r.states[trackID]
	if !ok {
		ts = &trackState{state: domain.StateUnranked}
		r.states[trackID] = ts
	}

	switch ts.state {
	case domain.StateUnranked:
		if score >= params.EnterThreshold {
			ts.state = domain.StateCandidate
			ts.streak = 1

			if ts.streak >= params.DwellCount {
				return r.commitEnter(ctx, trackID, ts, at)
			}
		}

	case domain.StateCandidate:
		if score < params.EnterThreshold {
			ts.state = domain.StateUnranked
			ts.streak = 0

			break
		}

		ts.streak++
		if ts.streak >= params.DwellCount {
			return r.commitEnter(ctx, trackID, ts, at)
		}

	case domain.StateMember:
		// The crossing tick starts Exiting; dwell counts the ticks sustained
		// below the exit threshold after it.
		if score < params.ExitThreshold {
			ts.state = domain.StateExiting
			ts.streak = 0
		}

	case domain.StateExiting:
		if score >= params.ExitThreshold {
			ts.state = domain.StateMember
			ts.streak = 0

			break
		}

		ts.streak++
		if ts.streak >= params.DwellCount {
			return r.commitExit(ctx, trackID, ts, at)
		}
	}

	if ts.state == domain.StateUnranked {
		delete(r.states, trackID)
	}

	return nil, nil
}

func (r *Ranker) commitEnter(ctx context.Context, trackID string, ts *trackState, at time.Time) (*domain.ChangeEvent, error) {
	if err := r.memberships.OpenMembership(ctx, trackID, at); err != nil {
		return nil, fmt.Errorf("open membership for %s: %w", trackID, err)
	}

	ts.state = domain.StateMember
	ts.streak = 0

	observability.MembershipTransitions.WithLabelValues(string(domain.TransitionEntered)).Inc()
	r.logger.Info().Str("track_id", trackID).Msg("track entered emerging set")

	return &domain.ChangeEvent{TrackID: trackID, Transition: domain.TransitionEntered, At: at}, nil
}

func (r *Ranker) commitExit(ctx context.Context, trackID string, ts *trackState, at time.Time) (*domain.ChangeEvent, error) {
	if err := r.memberships.CloseMembership(ctx, trackID, at); err != nil {
		return nil, fmt.Errorf("close membership for %s: %w", trackID, err)
	}

	ts.state = domain.StateUnranked
	ts.streak = 0
	delete(r.states, trackID)

	observability.MembershipTransitions.WithLabelValues(string(domain.TransitionExited)).Inc()
	r.logger.Info().Str("track_id", trackID).Msg("track exited emerging set")

	return &domain.ChangeEvent{TrackID: trackID, Transition: domain.TransitionExited, At: at}, nil
}

// buildSnapshot orders the scored tracks plus every track still in the state
// machine, so a member whose sources went quiet stays visible until its exit
// commits. The caller holds r.mu.
func (r *Ranker) buildSnapshot(scores map[string]domain.MomentumScore, at time.Time) *Snapshot {
	entries := make([]Entry, 0, len(scores)+len(r.states))

	for trackID, score := range scores {
		state := domain.StateUnranked
		if ts, ok := r.states[trackID]; ok {
			state = ts.state
		}

		entries = append(entries, Entry{MomentumScore: score, State: state})
	}

	for trackID, ts := range r.states {
		if _, scored := scores[trackID]; scored {
			continue
		}

		entries = append(entries, Entry{
			MomentumScore: domain.MomentumScore{TrackID: trackID, ComputedAt: at},
			State:         ts.state,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}

		// Earlier discovery ranks higher on equal scores.
		if !entries[i].QualifyingSignalAt.Equal(entries[j].QualifyingSignalAt) {
			return entries[i].QualifyingSignalAt.Before(entries[j].QualifyingSignalAt)
		}

		return entries[i].TrackID < entries[j].TrackID
	})

	return &Snapshot{ComputedAt: at, Entries: entries}
}

func (r *Ranker) memberCount() int {
	count := 0

	for _, ts := range r.states {
		if ts.state == domain.StateMember || ts.state == domain.StateExiting {
			count++
		}
	}

	return count
}

// Leaderboard returns the top entries of the current snapshot. The returned
// slice is a copy; callers cannot perturb the published ranking.
func (r *Ranker) Leaderboard(limit int) Snapshot {
	snap := r.snapshot.Load()

	entries := snap.Entries
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	out := make([]Entry, len(entries))
	copy(out, entries)

	return Snapshot{ComputedAt: snap.ComputedAt, Entries: out}
}

// Emerging returns the entries currently inside the emerging set, in
// leaderboard order. Exiting tracks are still members until the exit commits.
func (r *Ranker) Emerging() []Entry {
	snap := r.snapshot.Load()

	out := make([]Entry, 0, len(snap.Entries))

	for _, entry := range snap.Entries {
		if entry.State == domain.StateMember || entry.State == domain.StateExiting {
			out = append(out, entry)
		}
	}

	return out
}

// Seed publishes a snapshot built from the given scores without advancing
// the state machine. Serve-only deployments use it so the leaderboard is
// readable before the first ranking pass elsewhere.
func (r *Ranker) Seed(scores map[string]domain.MomentumScore, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshot.Store(r.buildSnapshot(scores, at))
}

// Tracked returns the ids of every track currently inside the state machine.
// The engine rescores these each tick even without new signals, so members
// decay out when their sources go quiet.
func (r *Ranker) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.states))
	for trackID := range r.states {
		ids = append(ids, trackID)
	}

	return ids
}

// State reports the hysteresis state for one track.
func (r *Ranker) State(trackID string) domain.RankState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts, ok := r.states[trackID]; ok {
		return ts.state
	}

	return domain.StateUnranked
}

// Subscribe registers a change-event consumer. Delivery is best-effort: a
// subscriber that stops draining its channel loses events rather than
// blocking ranking passes. The returned func unsubscribes and closes the
// channel.
func (r *Ranker) Subscribe() (<-chan domain.ChangeEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++

	ch := make(chan domain.ChangeEvent, subscriberBuffer)
	r.subscribers[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if existing, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(existing)
		}
	}

	return ch, cancel
}

// publish fans one event out to every subscriber. The caller holds r.mu.
func (r *Ranker) publish(event domain.ChangeEvent) {
	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			observability.EventsDropped.Inc()
		}
	}
}
