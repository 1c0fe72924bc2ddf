package queue

import (
	"strings"
	"time"
)

// longRunningPrefixes and shortRunningPrefixes categorize debugger commands
// by expected duration (spec §4.3's adaptive timeout). Matching is by
// case-insensitive prefix against the trimmed command text; anything
// unmatched gets the default timeout.
var (
	longRunningPrefixes = []string{
		"!analyze", "g", "p", "t", "!heap", "!for_each_module", "!findstack",
		".reload", ".symfix", ".sympath",
	}
	shortRunningPrefixes = []string{
		"?", "version", "vertarget", ".echo", "r", "lm", "k",
	}
)

// TimeoutCategories holds the three timeout budgets command categorization
// selects between.
type TimeoutCategories struct {
	Default time.Duration
	Short   time.Duration
	Long    time.Duration
}

// EffectiveTimeout returns the timeout that applies to command.
func EffectiveTimeout(command string, cats TimeoutCategories) time.Duration {
	trimmed := strings.ToLower(strings.TrimSpace(command))
	if trimmed == "" {
		return cats.Default
	}

	for _, prefix := range longRunningPrefixes {
		if matchesWord(trimmed, prefix) {
			return cats.Long
		}
	}
	for _, prefix := range shortRunningPrefixes {
		if matchesWord(trimmed, prefix) {
			return cats.Short
		}
	}
	return cats.Default
}

// matchesWord reports whether command starts with prefix as a whole token
// (prefix followed by end-of-string or whitespace), so "p" doesn't also
// match "print" or "pwd".
func matchesWord(command, prefix string) bool {
	if !strings.HasPrefix(command, prefix) {
		return false
	}
	rest := command[len(prefix):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t'
}
