package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitterPassesBodyThrough(t *testing.T) {
	s := newTrailerSplitter(citationSentinel)

	out := s.feed("Hello, ")
	out += s.feed("citizen.")
	out += s.flush()

	assert.Equal(t, "Hello, citizen.", out)
	assert.Empty(t, s.trailer())
}

func TestSplitterSeparatesTrailer(t *testing.T) {
	s := newTrailerSplitter(citationSentinel)

	out := s.feed("The body.\n---CITATIONS---[{\"marker\":\"S1\"}]")
	out += s.flush()

	assert.Equal(t, "The body.", out)
	assert.Equal(t, `[{"marker":"S1"}]`, s.trailer())
}

func TestSplitterSentinelAcrossDeltas(t *testing.T) {
	s := newTrailerSplitter(citationSentinel)

	var body string
	for _, delta := range []string{"An answer.", "\n---CIT", "ATIONS-", "--", "[]"} {
		body += s.feed(delta)
	}
	body += s.flush()

	// The newline escapes before the sentinel is recognizable; the
	// synthesizer trims the assembled body.
	assert.Equal(t, "An answer.\n", body)
	assert.Equal(t, "[]", s.trailer())
}

func TestSplitterHoldbackReleasedWhenNotSentinel(t *testing.T) {
	s := newTrailerSplitter(citationSentinel)

	var body string
	body += s.feed("Dashes --")
	body += s.feed("- are fine.")
	body += s.flush()

	assert.Equal(t, "Dashes --- are fine.", body)
	assert.Empty(t, s.trailer())
}

func TestSentinelOverlap(t *testing.T) {
	assert.Equal(t, 0, sentinelOverlap("no overlap", citationSentinel))
	assert.Equal(t, 3, sentinelOverlap("text---", citationSentinel))
	assert.Equal(t, 7, sentinelOverlap("text---CITA", citationSentinel))
	// A complete sentinel is not an overlap candidate; feed handles it.
	assert.Equal(t, 0, sentinelOverlap(citationSentinel+"x", citationSentinel))
}
