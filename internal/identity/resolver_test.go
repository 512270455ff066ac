package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIdempotent(t *testing.T) {
	r := NewResolver()

	first := r.Resolve("Midnight City", "M83")
	second := r.Resolve("Midnight City", "M83")

	require.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestResolveCrossPlatformVariants(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name    string
		titleA  string
		artistA string
		titleB  string
		artistB string
	}{
		{
			name:    "diacritics fold",
			titleA:  "Héroes",
			artistA: "Beyoncé",
			titleB:  "Heroes",
			artistB: "Beyonce",
		},
		{
			name:    "feat noise stripped",
			titleA:  "Good Days (feat. Anderson .Paak)",
			artistA: "SZA",
			titleB:  "Good Days",
			artistB: "SZA",
		},
		{
			name:    "remaster suffix stripped",
			titleA:  "Heart of Gold - Remastered 2009",
			artistA: "Neil Young",
			titleB:  "Heart Of Gold",
			artistB: "Neil Young",
		},
		{
			name:    "secondary artists dropped",
			titleA:  "Rain On Me",
			artistA: "Lady Gaga, Ariana Grande",
			titleB:  "Rain on Me",
			artistB: "Lady Gaga",
		},
		{
			name:    "bracketed edition dropped",
			titleA:  "One More Time [Radio Edit]",
			artistA: "Daft Punk",
			titleB:  "One More Time",
			artistB: "Daft Punk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := r.Resolve(tt.titleA, tt.artistA)
			b := r.Resolve(tt.titleB, tt.artistB)
			assert.Equal(t, a, b, "fingerprints: %q vs %q",
				r.Fingerprint(tt.titleA, tt.artistA), r.Fingerprint(tt.titleB, tt.artistB))
		})
	}
}

func TestResolveDistinctRecordingsStayDistinct(t *testing.T) {
	r := NewResolver()

	assert.NotEqual(t,
		r.Resolve("Hello", "Adele"),
		r.Resolve("Hello", "Lionel Richie"),
	)
	assert.NotEqual(t,
		r.Resolve("Hello", "Adele"),
		r.Resolve("Skyfall", "Adele"),
	)
}
