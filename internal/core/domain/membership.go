package domain

import "time"

// RankState is the per-track hysteresis state in the emerging-set machine.
type RankState string

// Hysteresis states. Transitions: Unranked → Candidate → Member → Exiting →
// Unranked, with Candidate and Exiting reverting when the score falls back
// across the threshold before the dwell count completes.
const (
	StateUnranked  RankState = "unranked"
	StateCandidate RankState = "candidate"
	StateMember    RankState = "member"
	StateExiting   RankState = "exiting"
)

// Transition is the direction of a committed membership change.
type Transition string

// Membership change directions.
const (
	TransitionEntered Transition = "entered"
	TransitionExited  Transition = "exited"
)

// Membership records one emerging-set tenure for a track. ExitedAt is nil
// while the track is still a member.
type Membership struct {
	TrackID   string
	EnteredAt time.Time
	ExitedAt  *time.Time
}

// ChangeEvent is emitted on every committed membership transition and
// consumed by the serving and alerting layers.
type ChangeEvent struct {
	TrackID    string
	Transition Transition
	At         time.Time
}
