// Package repair turns model output that should contain a JSON document into
// a validated value, recovering documents cut off mid-value.
package repair

import (
	"encoding/json"
	"strings"
)

// maxRepairPasses caps the truncation loop. Each pass either shortens the
// text or leaves the scanner outside a string, so real inputs finish in two.
const maxRepairPasses = 16

// Extract strips a markdown code fence and returns the span from the first
// '{' or '[' to the last matching delimiter. A document with no closing
// delimiter runs to the end of the text.
func Extract(raw string) string {
	s := stripFence(strings.TrimSpace(raw))

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

func stripFence(s string) string {
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	// Drop the info string ("json") on the fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if close := strings.Index(body, "```"); close >= 0 {
		body = body[:close]
	}
	return strings.TrimSpace(body)
}

// Repair closes a truncated JSON document. Text ending inside a string is cut
// back to the last string that ended cleanly before ',', ']' or '}', or has
// a closing quote appended when there is none. A literal or number cut short
// at the end is dropped. Trailing commas, dangling object keys and unclosed
// delimiters are then fixed up.
func Repair(s string) string {
	s = strings.TrimSpace(s)
	for pass := 0; pass < maxRepairPasses; pass++ {
		inString, cleanBreak := scan(s)
		if !inString {
			return balance(dropPartialScalar(s))
		}
		if cleanBreak > 0 {
			s = s[:cleanBreak]
		} else {
			s += `"`
		}
	}
	return s
}

// scan reports whether s ends inside a string, and the offset just past the
// last closing quote that is immediately followed by ',', ']' or '}'.
func scan(s string) (inString bool, cleanBreak int) {
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			continue
		}
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = false
			if i+1 < len(s) && strings.IndexByte(",]}", s[i+1]) >= 0 {
				cleanBreak = i + 1
			}
		}
	}
	return inString, cleanBreak
}

// dropPartialScalar removes a bare token at the end of s, such as "tru" or
// "1.", that is not a complete JSON literal or number.
func dropPartialScalar(s string) string {
	end := len(s)
	start := end
	for start > 0 && !strings.ContainsRune("\"{}[],: \t\r\n", rune(s[start-1])) {
		start--
	}
	if start == end || json.Valid([]byte(s[start:end])) {
		return s
	}
	return strings.TrimRight(s[:start], " \t\r\n")
}

// balance rewrites s, which must not end inside a string, so that every
// delimiter is closed in order. Commas directly before a closer are dropped,
// a closer that skips an open delimiter closes it first, and an object key
// with no value at the end of the text is removed.
func balance(s string) string {
	var b strings.Builder
	var stack []byte
	inString, escaped := false, false
	pendingComma := false
	expectKey := false
	keyOpen, keyStart := false, 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case ' ', '\t', '\n', '\r':
			if !pendingComma {
				b.WriteByte(c)
			}
			continue
		case ',':
			pendingComma = true
			expectKey = len(stack) > 0 && stack[len(stack)-1] == '{'
			keyOpen = false
			continue
		case ':':
			b.WriteByte(c)
			continue
		case '}', ']':
			pendingComma, expectKey, keyOpen = false, false, false
			want := byte('{')
			if c == ']' {
				want = '['
			}
			for len(stack) > 0 && stack[len(stack)-1] != want {
				b.WriteByte(closerFor(stack[len(stack)-1]))
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				continue
			}
			stack = stack[:len(stack)-1]
			b.WriteByte(c)
			continue
		}

		if pendingComma {
			b.WriteByte(',')
			pendingComma = false
		}
		// Any token after a key and its colon is that key's value.
		keyOpen = false

		switch c {
		case '"':
			inString = true
			if expectKey {
				keyOpen, keyStart = true, b.Len()
				expectKey = false
			}
		case '{':
			stack = append(stack, c)
			expectKey = true
		case '[':
			stack = append(stack, c)
			expectKey = false
		}
		b.WriteByte(c)
	}

	out := b.String()
	if keyOpen {
		out = strings.TrimRight(out[:keyStart], " \t\r\n,")
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(out, " \t\r\n"))
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(closerFor(stack[i]))
	}
	return sb.String()
}

func closerFor(open byte) byte {
	if open == '[' {
		return ']'
	}
	return '}'
}
