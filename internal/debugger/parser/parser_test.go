package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCommandComplete(t *testing.T) {
	cases := map[string]bool{
		"0:000>":            true,
		"  0:000>  ":        true,
		"12:345> ":          true,
		"0:000> k":          true,
		"not a prompt":      false,
		"":                  false,
		"0000>":             false,
	}
	for line, want := range cases {
		assert.Equalf(t, want, IsCommandComplete(line), "line %q", line)
	}
}

func TestClassify(t *testing.T) {
	c := Classify("ERROR: unable to read memory")
	assert.True(t, c.HasError)
	assert.False(t, c.HasWarning)

	c = Classify("Warning: caution, symbols not loaded")
	assert.True(t, c.HasWarning)

	c = Classify("Operation SUCCESS")
	assert.True(t, c.HasSuccess)

	c = Classify("   ")
	assert.True(t, c.Empty)

	c = Classify("0:000>")
	assert.True(t, c.HasPrompt)
}

func TestClassify_NeverDecidesCompletion(t *testing.T) {
	// Classify is advisory only; completion is decided solely by IsCommandComplete.
	c := Classify("this error message does not end with a prompt")
	assert.True(t, c.HasError)
	assert.False(t, c.HasPrompt)
}

func TestFormatForLogging_Truncates(t *testing.T) {
	long := strings.Repeat("a", 100)
	out := FormatForLogging(long, 20)
	assert.LessOrEqual(t, len(out), 20)
	assert.Contains(t, out, truncationSuffix)
}

func TestFormatForLogging_EscapesNUL(t *testing.T) {
	out := FormatForLogging("a\x00b", 100)
	assert.Equal(t, `a\0b`, out)
}

func TestFormatForLogging_ShortPassesThrough(t *testing.T) {
	out := FormatForLogging("short", 100)
	assert.Equal(t, "short", out)
}

func TestSentinelPair_SeenEnd(t *testing.T) {
	p := NewSentinelPair("cmd-1")
	assert.NotEqual(t, p.Start, p.End)
	assert.False(t, p.SeenEnd("some output"))
	assert.True(t, p.SeenEnd("some output "+p.End+"\n0:000>"))
}
