package domain

import "time"

// Track is a stable identity for one musical recording across platforms.
// Created on first sighting; never deleted, only archived after prolonged
// inactivity.
type Track struct {
	ID     string
	Title  string
	Artist string

	// Platform-native keys observed for this track, keyed by platform name
	// ("spotify", "soundcloud"). Populated as sightings arrive.
	PlatformKeys map[string]string

	FirstSeenAt time.Time
	ArchivedAt  *time.Time
}

// Archived reports whether the track has been flagged inactive.
func (t Track) Archived() bool {
	return t.ArchivedAt != nil
}
