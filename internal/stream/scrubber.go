package stream

import "regexp"

var (
	scrubTag = regexp.MustCompile(`\s?\[S[0-9]+\]`)
	// scrubHold matches a trailing fragment that could still grow into
	// a complete marker once more text arrives.
	scrubHold = regexp.MustCompile(`(\s?\[(S[0-9]*)?|\s)$`)
)

// tagScrubber removes inline evidence markers from a delta stream. A
// marker can straddle delta boundaries, so any suffix that could be the
// start of one is held back until the next feed decides it.
type tagScrubber struct {
	buf string
}

func (s *tagScrubber) feed(chunk string) string {
	s.buf += chunk

	hold := 0
	if loc := scrubHold.FindStringIndex(s.buf); loc != nil {
		hold = len(s.buf) - loc[0]
	}

	emit := s.buf[:len(s.buf)-hold]
	s.buf = s.buf[len(s.buf)-hold:]

	return scrubTag.ReplaceAllString(emit, "")
}

// flush releases held text. An incomplete marker fragment at end of
// stream is emitted literally; only complete markers are removed.
func (s *tagScrubber) flush() string {
	out := scrubTag.ReplaceAllString(s.buf, "")
	s.buf = ""
	return out
}
