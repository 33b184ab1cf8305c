package reconstruct

import "strings"

// Repair applies a structural pass over near-JSON text: terminates a dangling
// string, drops trailing commas, and appends the closers missing at the tail.
// It never touches content inside complete string literals and makes no
// attempt to fix garbage before the first token; callers parse the output and
// treat failure as "this strategy did not apply".
func Repair(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 8)
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
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
			out.WriteByte(c)
		case '{':
			stack = append(stack, '}')
			out.WriteByte(c)
		case '[':
			stack = append(stack, ']')
			out.WriteByte(c)
		case '}', ']':
			if n := len(stack); n > 0 && stack[n-1] == c {
				stack = stack[:n-1]
			}
			out.WriteByte(c)
		case ',':
			if closerFollows(s, i+1) {
				continue
			}
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}
	if inString {
		out.WriteByte('"')
	}
	repaired := strings.TrimRight(out.String(), " \t\r\n")
	repaired = strings.TrimSuffix(repaired, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		repaired += string(stack[i])
	}
	return repaired
}

// closerFollows reports whether the next non-whitespace byte at or past pos
// closes an object or array, which makes the preceding comma illegal.
func closerFollows(s string, pos int) bool {
	for ; pos < len(s); pos++ {
		switch s[pos] {
		case ' ', '\t', '\r', '\n':
			continue
		case '}', ']':
			return true
		default:
			return false
		}
	}
	return false
}
