// Package identity resolves platform-native track references to stable
// cross-platform track identities.
//
// Resolution is deterministic: the same recording fingerprints to the same
// id regardless of which platform reported it, which platforms spell the
// artist with diacritics, or how much edition noise ("feat.", "remastered")
// the title carries. Resolution is idempotent and side-effect-free.
package identity

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// namespace anchors fingerprint UUIDs so ids stay stable across deployments.
var namespace = uuid.MustParse("9f2c1a34-5b8e-4c14-9d7a-2e6f08c3b1a7")

// Noise markers stripped from titles before fingerprinting. Everything from
// the marker to the end of the segment is edition metadata, not identity.
var titleNoise = []string{
	"feat.", "feat ", "ft.", "ft ", "featuring",
	"remaster", "remastered", "deluxe", "radio edit", "bonus track",
	"live at", "live from", "acoustic version", "sped up", "slowed",
}

// Resolver maps raw platform keys and title/artist pairs to track ids.
type Resolver struct {
	fold transform.Transformer
}

// NewResolver creates a resolver with a diacritic-folding transformer.
func NewResolver() *Resolver {
	return &Resolver{
		fold: transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
	}
}

// Resolve returns the stable track id for a title/artist pair.
func (r *Resolver) Resolve(title, artist string) string {
	fp := r.Fingerprint(title, artist)

	return uuid.NewSHA1(namespace, []byte(fp)).String()
}

// Fingerprint returns the canonical form the id is derived from. Exposed so
// tests and debugging tools can inspect why two sightings collided.
func (r *Resolver) Fingerprint(title, artist string) string {
	return normalizeTitle(r.foldString(title)) + "|" + normalizeArtist(r.foldString(artist))
}

func (r *Resolver) foldString(s string) string {
	folded, _, err := transform.String(r.fold, s)
	if err != nil {
		return s
	}

	return folded
}

func normalizeTitle(title string) string {
	title = strings.ToLower(title)

	// Drop bracketed segments entirely; they carry edition noise.
	title = stripBrackets(title)

	// A dash segment after the main title is edition noise when it starts
	// with a known marker ("Song - Remastered 2011").
	if idx := strings.Index(title, " - "); idx > 0 {
		tail := strings.TrimSpace(title[idx+3:])
		if hasNoiseMarker(tail) {
			title = title[:idx]
		}
	}

	if idx := firstNoiseMarker(title); idx >= 0 {
		title = title[:idx]
	}

	return squashToken(title)
}

func normalizeArtist(artist string) string {
	artist = strings.ToLower(artist)

	// Keep only the primary artist; collaborators vary per platform.
	for _, sep := range []string{",", " & ", " x ", " feat", " ft.", " with "} {
		if idx := strings.Index(artist, sep); idx > 0 {
			artist = artist[:idx]
		}
	}

	return squashToken(artist)
}

func stripBrackets(s string) string {
	var b strings.Builder

	depth := 0

	for _, r := range s {
		switch {
		case r == '(' || r == '[':
			depth++
		case r == ')' || r == ']':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}

	return b.String()
}

func hasNoiseMarker(s string) bool {
	for _, marker := range titleNoise {
		if strings.HasPrefix(s, marker) {
			return true
		}
	}

	return false
}

// firstNoiseMarker finds the earliest word-boundary occurrence of a noise
// marker, so "left alone" is not truncated by the "ft " marker.
func firstNoiseMarker(s string) int {
	first := -1

	for _, marker := range titleNoise {
		if idx := strings.Index(s, " "+marker); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}

	return first
}

// squashToken lowercases to letters and digits only, removing spacing and
// punctuation differences between platforms.
func squashToken(s string) string {
	var b strings.Builder

	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}
