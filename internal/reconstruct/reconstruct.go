// Package reconstruct recovers a single structured result from accumulated
// stream text that may never be fully well-formed JSON. An ordered chain of
// independent strategies runs over the same text; the first success wins.
package reconstruct

import (
	"encoding/json"
	"errors"
	"strings"
)

// Strategy names which parsing attempt produced a result.
type Strategy string

const (
	StrategyRepair    Strategy = "repair"
	StrategyFence     Strategy = "fence"
	StrategyDirect    Strategy = "direct"
	StrategyBraceScan Strategy = "brace-scan"
	StrategyPlaintext Strategy = "plaintext"
)

// dataKey is the top-level key a real structured result must carry. Only the
// plaintext fallback may succeed without it.
const dataKey = "data"

// ErrNoResult means the accumulated text was empty, or nothing could be
// recovered and the plaintext fallback was disabled.
var ErrNoResult = errors.New("reconstruct: no result could be recovered")

// Result is an all-or-nothing reconstruction outcome. Data always has a
// top-level "data" entry; callers needing the strict/best-effort distinction
// check Strategy (or the shape of the fields) rather than a partial payload.
type Result struct {
	Data     map[string]any
	Strategy Strategy
}

type options struct {
	fallback bool
}

type Option func(*options)

// WithoutFallback disables the plaintext strategy, turning "no JSON found"
// into ErrNoResult.
func WithoutFallback() Option {
	return func(o *options) { o.fallback = false }
}

type strategyStep struct {
	name Strategy
	fn   func(string) (map[string]any, bool)
}

var chain = []strategyStep{
	{StrategyRepair, parseRepaired},
	{StrategyFence, parseFenced},
	{StrategyDirect, parseDirect},
	{StrategyBraceScan, parseBraceScan},
}

// Reconstruct runs the strategy chain over the accumulated text. All
// strategies are pure functions over the same input.
func Reconstruct(text string, opts ...Option) (Result, error) {
	o := options{fallback: true}
	for _, opt := range opts {
		opt(&o)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, ErrNoResult
	}
	for _, step := range chain {
		if obj, ok := step.fn(trimmed); ok {
			return Result{Data: obj, Strategy: step.name}, nil
		}
	}
	if o.fallback {
		return Result{
			Data:     map[string]any{dataKey: map[string]any{"narrative": text}},
			Strategy: StrategyPlaintext,
		}, nil
	}
	return Result{}, ErrNoResult
}

// parseRepaired repairs the whole text and parses it.
func parseRepaired(s string) (map[string]any, bool) {
	return parseWithData(Repair(s))
}

// parseFenced extracts a markdown code fence, repairs its content, parses it.
func parseFenced(s string) (map[string]any, bool) {
	content, ok := fencedBlock(s)
	if !ok {
		return nil, false
	}
	return parseWithData(Repair(content))
}

// parseDirect is the cheap no-repair attempt on the whole text or the fenced
// content, for the case where nothing was broken in the first place.
func parseDirect(s string) (map[string]any, bool) {
	if obj, ok := parseWithData(s); ok {
		return obj, true
	}
	if content, ok := fencedBlock(s); ok {
		return parseWithData(content)
	}
	return nil, false
}

// parseBraceScan locates the first `"data"` key, depth-scans its object value
// and parses exactly that span. Trailing garbage after the matched object
// (an incomplete next field, stray braces) does not matter here.
func parseBraceScan(s string) (map[string]any, bool) {
	idx := strings.Index(s, `"`+dataKey+`"`)
	if idx < 0 {
		return nil, false
	}
	pos := idx + len(dataKey) + 2
	pos = skipSpace(s, pos)
	if pos >= len(s) || s[pos] != ':' {
		return nil, false
	}
	pos = skipSpace(s, pos+1)
	if pos >= len(s) || s[pos] != '{' {
		return nil, false
	}
	end, ok := matchBrace(s, pos)
	if !ok {
		return nil, false
	}
	var inner map[string]any
	if err := json.Unmarshal([]byte(s[pos:end+1]), &inner); err != nil {
		return nil, false
	}
	return map[string]any{dataKey: inner}, true
}

// matchBrace scans from the opening brace at start until depth returns to
// zero, honoring string literals and escapes. It returns the index of the
// matching closer.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// fencedBlock finds a ``` or ```json block and returns its inner content.
// A missing closing fence is tolerated; repair handles the ragged tail.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "json") {
			rest = rest[nl+1:]
		}
	} else if strings.EqualFold(strings.TrimSpace(rest), "json") {
		return "", false
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	content := strings.TrimSpace(rest)
	return content, content != ""
}

func parseWithData(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if _, ok := obj[dataKey]; !ok {
		return nil, false
	}
	return obj, true
}

func skipSpace(s string, pos int) int {
	for pos < len(s) {
		switch s[pos] {
		case ' ', '\t', '\r', '\n':
			pos++
		default:
			return pos
		}
	}
	return pos
}
