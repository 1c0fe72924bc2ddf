package driver

import "io"

// ptyHandle abstracts PTY operations across Unix and Windows, grounded on
// the teacher's agentctl/server/process.PtyHandle split.
type ptyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
