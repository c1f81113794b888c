package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
	codeFence  = "```"
	jsonFence  = "```json"
)

// ExtractThinking removes <think>...</think> blocks from s. It returns the
// trimmed block contents joined by blank lines and the remaining text,
// trimmed. An unterminated block is left in place.
func ExtractThinking(s string) (thinking, cleaned string) {
	var (
		parts []string
		out   strings.Builder
	)
	cursor := 0
	for cursor < len(s) {
		start := strings.Index(s[cursor:], thinkOpen)
		if start < 0 {
			out.WriteString(s[cursor:])
			break
		}
		start += cursor
		out.WriteString(s[cursor:start])

		contentStart := start + len(thinkOpen)
		end := strings.Index(s[contentStart:], thinkClose)
		if end < 0 {
			out.WriteString(s[start:])
			break
		}
		end += contentStart
		parts = append(parts, strings.TrimSpace(s[contentStart:end]))
		cursor = end + len(thinkClose)
	}
	return strings.Join(parts, "\n\n"), strings.TrimSpace(out.String())
}

// ExtractJSON returns the body of a fenced code block that wraps the whole
// of s, with or without a json tag. Anything else comes back unchanged.
func ExtractJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	fence := ""
	switch {
	case strings.HasPrefix(trimmed, jsonFence):
		fence = jsonFence
	case strings.HasPrefix(trimmed, codeFence):
		fence = codeFence
	default:
		return s
	}
	start := len(fence)
	end := strings.LastIndex(trimmed, codeFence)
	if end > start {
		return strings.TrimSpace(trimmed[start:end])
	}
	return s
}
