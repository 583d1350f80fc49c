package models

import (
	"strings"
	"unicode/utf8"
)

const maxTitleLen = 40

var (
	questionWords = []string{"what", "how", "why", "when", "where", "who", "which"}
	commandWords  = []string{"tell me", "explain", "help", "search", "find", "show"}
)

// SmartTitle derives a short chat title from the first message of a conversation. Short messages
// are used as is; questions and commands are cut at a natural boundary; anything else is
// truncated with an ellipsis.
func SmartTitle(message string) string {
	clean := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(clean) <= maxTitleLen {
		return clean
	}

	lower := strings.ToLower(clean)

	if strings.Contains(lower, "?") {
		question, _, _ := strings.Cut(clean, "?")
		if utf8.RuneCountInString(question) <= maxTitleLen {
			return question + "?"
		}
	}

	words := strings.Split(clean, " ")

	if hasAnyPrefix(lower, questionWords) {
		if first := strings.Join(words[:min(8, len(words))], " "); utf8.RuneCountInString(first) <= maxTitleLen {
			return first + "..."
		}
	}

	if hasAnyPrefix(lower, commandWords) {
		if first := strings.Join(words[:min(6, len(words))], " "); utf8.RuneCountInString(first) <= maxTitleLen {
			return first + "..."
		}
	}

	return string([]rune(clean)[:maxTitleLen-3]) + "..."
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
