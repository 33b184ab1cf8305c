// Package fragment turns the raw fragment stream into a deduplicated,
// memory-bounded accumulation buffer.
package fragment

import (
	"hash/fnv"
	"strings"
)

// DefaultMaxChunks is the retained-fragment ring capacity when the caller
// does not set one.
const DefaultMaxChunks = 500

var noiseMarkers = []string{"[DONE]", "[PING]"}

// Accumulator filters already-seen fragments and appends novel text to a
// monotonically growing buffer. The raw-fragment ring is bounded; the text is
// not, since reconstruction needs everything seen so far. Not safe for
// concurrent use; the owning session serializes access.
type Accumulator struct {
	maxChunks int
	seen      map[uint64]struct{}
	text      strings.Builder
	ring      []string
	chunks    int
	bytes     int
}

func NewAccumulator(maxChunks int) *Accumulator {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Accumulator{
		maxChunks: maxChunks,
		seen:      make(map[uint64]struct{}),
	}
}

// Normalize strips edge control characters and returns "" for known noise
// markers, which callers treat as inadmissible.
func Normalize(raw string) string {
	trimmed := strings.TrimFunc(raw, func(r rune) bool {
		return r < 0x20 || r == 0x7f
	})
	for _, marker := range noiseMarkers {
		if trimmed == marker {
			return ""
		}
	}
	return trimmed
}

// Admit runs one fragment through dedup and accumulation. It reports whether
// the fragment was novel; a duplicate or noise fragment changes nothing.
func (a *Accumulator) Admit(raw string) bool {
	normalized := Normalize(raw)
	if normalized == "" {
		return false
	}
	key := fragmentKey(normalized)
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = struct{}{}
	a.text.WriteString(normalized)
	a.ring = append(a.ring, normalized)
	if len(a.ring) > a.maxChunks {
		a.ring = a.ring[1:]
	}
	a.chunks++
	a.bytes += len(normalized)
	return true
}

// Text is the full concatenation of every distinct fragment admitted so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Chunks is the count of distinct fragments admitted.
func (a *Accumulator) Chunks() int { return a.chunks }

// Bytes is the total byte length of admitted fragment text.
func (a *Accumulator) Bytes() int { return a.bytes }

// Retained returns a copy of the sliding window of recent raw fragments.
func (a *Accumulator) Retained() []string {
	out := make([]string, len(a.ring))
	copy(out, a.ring)
	return out
}

// Release drops the seen-set and the retained ring. Text and counters stay
// readable for diagnostics until the accumulator itself is replaced.
func (a *Accumulator) Release() {
	a.seen = nil
	a.ring = nil
}

func fragmentKey(normalized string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return h.Sum64()
}
