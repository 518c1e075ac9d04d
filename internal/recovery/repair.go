package recovery

import (
	"regexp"
	"strings"
)

var numberRe = regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`)

const whitespace = " \t\r\n"

// Repair closes whatever a truncated structured document left open. An open
// string is terminated (after dropping a half-written escape), dangling
// fragments such as trailing commas, keys without values, and half-written
// literals are removed, and the missing closing brackets are appended in
// reverse nesting order. The result is not guaranteed to parse.
func Repair(s string) string {
	stack, inString, escaped := scan(s)

	out := s
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out = trimPartialUnicode(out)
		out += `"`
	}

	var top byte
	if len(stack) > 0 {
		top = stack[len(stack)-1]
	}
	out = stripDangling(out, top)

	var b strings.Builder
	b.Grow(len(out) + len(stack))
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// scan walks s tracking string and escape state and returns the stack of
// brackets still open at the end.
func scan(s string) (stack []byte, inString, escaped bool) {
	for i := 0; i < len(s); i++ {
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
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return stack, inString, escaped
}

// trimPartialUnicode drops a trailing \u escape with fewer than four hex digits.
func trimPartialUnicode(s string) string {
	for n := 0; n <= 3; n++ {
		at := len(s) - n - 2
		if at < 0 {
			break
		}
		if s[at] != '\\' || s[at+1] != 'u' || !isHex(s[at+2:]) {
			continue
		}
		// The backslash only starts an escape if it is not itself escaped.
		run := 0
		for k := at; k >= 0 && s[k] == '\\'; k-- {
			run++
		}
		if run%2 == 1 {
			return s[:at]
		}
	}
	return s
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// stripDangling removes trailing fragments that cannot be completed. top is
// the innermost bracket still open at the end of s (0 when none).
func stripDangling(s string, top byte) string {
	for {
		s = strings.TrimRight(s, whitespace)
		if s == "" {
			return s
		}

		last := s[len(s)-1]
		switch {
		case last == ',':
			s = s[:len(s)-1]

		case last == ':':
			// Key with no value: drop both.
			s = strings.TrimRight(s[:len(s)-1], whitespace)
			s = s[:tokenStart(s)]

		case last == '"':
			start := stringStart(s)
			if start < 0 {
				return s
			}
			if top == '{' && atKeyPosition(s[:start]) {
				s = s[:start]
				continue
			}
			return s

		case isBare(last):
			start := bareStart(s)
			if top == '{' && atKeyPosition(s[:start]) {
				s = s[:start]
				continue
			}
			if lit, ok := completeLiteral(s[start:]); ok {
				return s[:start] + lit
			}
			s = s[:start]

		default:
			return s
		}
	}
}

// tokenStart returns where the trailing string or bare token of s begins.
func tokenStart(s string) int {
	if s == "" {
		return 0
	}
	if s[len(s)-1] == '"' {
		if start := stringStart(s); start >= 0 {
			return start
		}
		return len(s)
	}
	return bareStart(s)
}

// stringStart returns the index of the opening quote of the string that
// ends at the last byte of s, or -1.
func stringStart(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		if s[i] != '"' {
			continue
		}
		run := 0
		for k := i - 1; k >= 0 && s[k] == '\\'; k-- {
			run++
		}
		if run%2 == 0 {
			return i
		}
	}
	return -1
}

func bareStart(s string) int {
	i := len(s)
	for i > 0 && isBare(s[i-1]) {
		i--
	}
	return i
}

func isBare(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '.' || c == '+' || c == '-' || c == '_'
}

// atKeyPosition reports whether a token following prefix would be an object key.
func atKeyPosition(prefix string) bool {
	p := strings.TrimRight(prefix, whitespace)
	if p == "" {
		return false
	}
	c := p[len(p)-1]
	return c == '{' || c == ','
}

// completeLiteral keeps literals and numbers that are already valid, and
// numbers that become valid once a dangling exponent or decimal point is cut.
func completeLiteral(tok string) (string, bool) {
	switch tok {
	case "true", "false", "null":
		return tok, true
	}
	if numberRe.MatchString(tok) {
		return tok, true
	}
	trimmed := strings.TrimRight(tok, ".eE+-")
	if trimmed != "" && numberRe.MatchString(trimmed) {
		return trimmed, true
	}
	return "", false
}
