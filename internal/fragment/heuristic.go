package fragment

import "strings"

const (
	completeChunkThreshold = 5
	completeMinTextLen     = 64
)

// LikelyComplete guesses whether enough of the stream has arrived to attempt
// final reconstruction. It is a hint for callers deciding when to stop
// waiting, not a correctness oracle: the reconstruction chain still runs in
// full whatever this returns.
func (a *Accumulator) LikelyComplete() bool {
	if a.chunks > completeChunkThreshold {
		return true
	}
	text := strings.TrimSpace(a.text.String())
	if len(text) < completeMinTextLen {
		return false
	}
	if strings.Count(text, "}") < strings.Count(text, "{") {
		return false
	}
	return strings.HasSuffix(text, "}") || strings.HasSuffix(text, "```")
}
