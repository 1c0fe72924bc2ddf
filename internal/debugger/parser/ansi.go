package parser

import (
	"strings"

	"github.com/tuzig/vt10x"
)

// StripTerminalControl feeds raw, possibly ANSI-laden bytes from a
// PTY-backed debugger child through a headless terminal emulator and
// returns the plain text it would have rendered. Debuggers driven over a
// pseudo-terminal (spec §4.1's PTY launch profile) commonly emit color
// and cursor-movement escapes the prompt/keyword classifier was never
// meant to see; vt10x resolves those the same way a real terminal would
// before Classify or IsCommandComplete ever look at the line.
func StripTerminalControl(raw []byte, cols, rows int) string {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	term := vt10x.New(vt10x.WithSize(cols, rows))
	_, _ = term.Write(raw)

	var sb strings.Builder
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				sb.WriteRune(' ')
			} else {
				sb.WriteRune(g.Char)
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
