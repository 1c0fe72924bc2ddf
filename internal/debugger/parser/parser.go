// Package parser classifies debugger child output. It is pure and
// stateless except for the optional sentinel bracketing used to
// disambiguate prompts that appear inside a command's own output
// (spec §4.1, §4.2, C2).
package parser

import (
	"regexp"
	"strings"
)

// promptPattern matches the debugger's ready-for-next-command marker: a
// trimmed line starting with digits, a colon, more digits, then ">".
// e.g. "0:000>".
var promptPattern = regexp.MustCompile(`^\d+:\d+>`)

var (
	errorKeywords = []string{"error", "unable to", "invalid", "failed"}
	warnKeywords  = []string{"warning", "warn", "caution"}
	okKeywords    = []string{"success", "ok", "complete"}
)

// IsCommandComplete reports whether the trimmed line is a debugger prompt.
// Completion detection never depends on Classify — only on this pattern.
func IsCommandComplete(line string) bool {
	return promptPattern.MatchString(strings.TrimSpace(line))
}

// Classification is the advisory, log-detail-only summary of a chunk of
// debugger output. It must never be used to decide command completion.
type Classification struct {
	Empty      bool
	HasError   bool
	HasWarning bool
	HasSuccess bool
	HasPrompt  bool
}

// Classify inspects chunk using case-insensitive keyword sets. It is
// advisory: a chunk containing the word "error" is not necessarily a
// command failure, it just gets flagged for log detail.
func Classify(chunk string) Classification {
	trimmed := strings.TrimSpace(chunk)
	if trimmed == "" {
		return Classification{Empty: true}
	}

	lower := strings.ToLower(trimmed)
	return Classification{
		HasError:   containsAny(lower, errorKeywords),
		HasWarning: containsAny(lower, warnKeywords),
		HasSuccess: containsAny(lower, okKeywords),
		HasPrompt:  IsCommandComplete(chunk),
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

const truncationSuffix = "... [truncated]"

// FormatForLogging sanitizes chunk for a log sink: NUL bytes are replaced
// with a visible two-character escape, and the result is truncated beyond
// maxLen with a fixed suffix so one runaway command can't blow out a log.
func FormatForLogging(chunk string, maxLen int) string {
	sanitized := strings.ReplaceAll(chunk, "\x00", "\\0")

	if maxLen <= 0 || len(sanitized) <= maxLen {
		return sanitized
	}

	cut := maxLen - len(truncationSuffix)
	if cut < 0 {
		cut = 0
	}
	return sanitized[:cut] + truncationSuffix
}

// SentinelPair brackets one command's output so that a prompt appearing
// inside the command's own output (e.g. output that happens to contain a
// line looking like "0:000>") can't be mistaken for completion. The driver
// echoes Start/End via the debugger's ".echo" command and the parser waits
// for End to appear before trusting the next prompt as real completion.
type SentinelPair struct {
	Start string
	End   string
}

// NewSentinelPair builds a sentinel pair for one command, keyed by a
// caller-supplied token (the drivers pass the current time in nanoseconds)
// so markers from different commands do not collide.
func NewSentinelPair(token string) SentinelPair {
	return SentinelPair{
		Start: "__CDBSRV_START_" + token + "__",
		End:   "__CDBSRV_END_" + token + "__",
	}
}

// SeenEnd reports whether the sentinel's end marker has appeared in chunk.
func (p SentinelPair) SeenEnd(chunk string) bool {
	return strings.Contains(chunk, p.End)
}
