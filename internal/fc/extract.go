package fc

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ParsedCall is one function call recovered from model output before ids
// are assigned.
type ParsedCall struct {
	Name      string
	Arguments string
}

// emulatedCallPattern matches the protocol line the emulated mode asks the
// model to emit. The JSON object that follows is extracted separately with
// a bracket-balanced scan, never with a lazy regex.
var emulatedCallPattern = regexp.MustCompile(`Request\s+function\s+call:\s*([\w.\-]+)(?:\s*\n|\s*\{|\s*$)`)

// ParseEmulatedText extracts every protocol-line call from the final text.
// A call without a JSON object gets empty arguments.
func ParseEmulatedText(text string) []ParsedCall {
	var calls []ParsedCall
	for _, match := range emulatedCallPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[match[2]:match[3]]
		args := "{}"

		// Scan forward from the name for the opening brace, skipping
		// whitespace only.
		i := match[3]
		for i < len(text) && isSpace(text[i]) {
			i++
		}
		if i < len(text) && text[i] == '{' {
			if object, ok := extractBalancedObject(text, i); ok {
				args = object
			}
		}
		calls = append(calls, ParsedCall{Name: name, Arguments: args})
	}
	return calls
}

// RemoveEmulatedCalls strips every protocol line and its JSON object from
// the text, leaving only the prose around the calls.
func RemoveEmulatedCalls(text string) string {
	matches := emulatedCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	prev := 0
	for _, match := range matches {
		b.WriteString(text[prev:match[0]])

		end := match[3]
		i := end
		for i < len(text) && isSpace(text[i]) {
			i++
		}
		if i < len(text) && text[i] == '{' {
			if object, ok := extractBalancedObject(text, i); ok {
				end = i + len(object)
			}
		}
		prev = end
	}
	b.WriteString(text[prev:])
	return strings.TrimSpace(b.String())
}

// extractBalancedObject scans a JSON object starting at the '{' at start,
// tracking nesting depth and string/escape state. Returns the exact source
// slice of the object.
func extractBalancedObject(input string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		c := input[i]
		if inString {
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
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ResolveName maps a parsed function name onto the registered tool set.
// Exact matches win; otherwise the registered name sharing the longest
// common prefix is chosen, provided the prefix covers at least threshold of
// the shorter name. Models truncate long tool names often enough that this
// repair is worth it.
func ResolveName(name string, registered map[string]struct{}, threshold float64) (string, bool) {
	if _, ok := registered[name]; ok {
		return name, true
	}

	best := ""
	bestLen := 0
	for candidate := range registered {
		l := commonPrefixLen(name, candidate)
		if l > bestLen {
			bestLen = l
			best = candidate
		}
	}
	if best == "" {
		return "", false
	}

	shorter := len(name)
	if len(best) < shorter {
		shorter = len(best)
	}
	if shorter == 0 || float64(bestLen) < threshold*float64(shorter) {
		return "", false
	}
	return best, true
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// normalizeArguments guarantees the arguments string serializes a JSON
// object; anything unusable collapses to "{}".
func normalizeArguments(args string) string {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || trimmed[0] != '{' || !gjson.Valid(trimmed) {
		return "{}"
	}
	return trimmed
}
