package persona

import "strings"

// trailerSplitter separates streamed body text from the citation
// trailer. Because the sentinel can straddle delta boundaries, it holds
// back the longest suffix of the body that could still be a sentinel
// prefix; flush releases it once the stream ends without a sentinel.
type trailerSplitter struct {
	sentinel string
	holdback string
	after    strings.Builder
	found    bool
}

func newTrailerSplitter(sentinel string) *trailerSplitter {
	return &trailerSplitter{sentinel: sentinel}
}

// feed consumes one delta and returns the body text safe to emit now.
func (t *trailerSplitter) feed(delta string) string {
	if t.found {
		t.after.WriteString(delta)
		return ""
	}

	buf := t.holdback + delta

	if idx := strings.Index(buf, t.sentinel); idx != -1 {
		t.found = true
		t.after.WriteString(buf[idx+len(t.sentinel):])
		t.holdback = ""
		// Drop a trailing newline left just before the sentinel line.
		return strings.TrimRight(buf[:idx], "\n")
	}

	keep := sentinelOverlap(buf, t.sentinel)
	t.holdback = buf[len(buf)-keep:]
	return buf[:len(buf)-keep]
}

// flush returns any body text still held back after the stream ends.
func (t *trailerSplitter) flush() string {
	out := t.holdback
	t.holdback = ""
	return out
}

func (t *trailerSplitter) trailer() string {
	return t.after.String()
}

// sentinelOverlap returns the length of the longest suffix of buf that
// is a proper prefix of sentinel.
func sentinelOverlap(buf, sentinel string) int {
	max := len(sentinel) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(sentinel, buf[len(buf)-n:]) {
			return n
		}
	}
	return 0
}
