package driver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/debugger/parser"
	"github.com/kandev/cdbsrv/internal/logger"
)

// pollInterval is how often PtyProcess re-renders the accumulated screen
// buffer through the terminal emulator to check for a completed prompt.
const pollInterval = 50 * time.Millisecond

// PtyProcess is a ChildDriver that drives the debugger binary over a
// pseudo-terminal instead of plain pipes, for CLIs (interactive gdb/lldb
// front-ends) that behave differently without a controlling terminal:
// color, line editing, or a prompt that never appears on a bare pipe.
// Grounded on the teacher's agentctl/server/process PTY handles; output is
// de-ANSI'd through parser.StripTerminalControl before the same prompt and
// keyword classifiers the pipe-backed Process uses ever see it.
type PtyProcess struct {
	logger *logger.Logger

	cmd *exec.Cmd
	pty ptyHandle

	cols, rows int

	status  atomic.Value // status
	pid     atomic.Int64
	exitErr atomic.Value // errorWrapper

	outputBuffer *RingBuffer

	mu     sync.Mutex
	buf    bytes.Buffer // raw bytes accumulated since the last Execute call
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPtyProcess constructs an idle PTY-backed driver with an 80x24 default
// screen size.
func NewPtyProcess(log *logger.Logger) *PtyProcess {
	p := &PtyProcess{
		logger:       log.WithFields(zap.String("component", "debugger-driver-pty")),
		outputBuffer: NewRingBuffer(2000),
		cols:         80,
		rows:         24,
	}
	p.status.Store(statusStopped)
	return p
}

func (p *PtyProcess) Status() status    { return p.status.Load().(status) }
func (p *PtyProcess) ProcessID() int    { return int(p.pid.Load()) }
func (p *PtyProcess) IsActive() bool {
	s := p.Status()
	return s == statusRunning || s == statusStarting
}

// Start launches the debugger binary attached to a pseudo-terminal and
// blocks until the first rendered prompt appears or opts.StartTimeout
// elapses.
func (p *PtyProcess) Start(ctx context.Context, opts StartOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsActive() {
		return fmt.Errorf("debugger child already running")
	}
	p.status.Store(statusStarting)

	p.cmd = exec.Command(opts.BinaryPath, buildArgs(opts)...)

	h, err := startPTYWithSize(p.cmd, p.cols, p.rows)
	if err != nil {
		p.status.Store(statusFaulted)
		return fmt.Errorf("start pty: %w", err)
	}
	p.pty = h
	if p.cmd.Process != nil {
		p.pid.Store(int64(p.cmd.Process.Pid))
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.readLoop()
	go p.waitForExit()

	p.logger.Info("debugger pty child started", zap.Int("pid", p.ProcessID()), zap.String("target", opts.Target))

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := p.pollUntilComplete(ctx, timeout); err != nil {
		p.status.Store(statusFaulted)
		return err
	}

	p.status.Store(statusRunning)
	return nil
}

// readLoop pulls raw bytes off the PTY master into buf and mirrors them,
// line by line through a scanner fed from a secondary pipe, into the
// output ring buffer for the tail view.
func (p *PtyProcess) readLoop() {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.outputBuffer.Add(OutputLine{Timestamp: time.Now(), Stream: "stdout", Content: scanner.Text()})
		}
	}()
	defer pw.Close()

	chunk := make([]byte, 4096)
	for {
		n, err := p.pty.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(chunk[:n])
			p.mu.Unlock()
			_, _ = pw.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (p *PtyProcess) waitForExit() {
	defer close(p.doneCh)
	err := p.cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		p.logger.Warn("debugger pty child exited with error", zap.Error(err))
	} else {
		p.logger.Info("debugger pty child exited")
	}
	if p.Status() != statusStopping {
		p.status.Store(statusFaulted)
	}
}

// render strips ANSI/terminal control from everything accumulated so far
// and returns it as a rendered screen.
func (p *PtyProcess) render() string {
	p.mu.Lock()
	raw := append([]byte(nil), p.buf.Bytes()...)
	p.mu.Unlock()
	return parser.StripTerminalControl(raw, p.cols, p.rows)
}

func lastNonEmptyLine(rendered string) string {
	lines := strings.Split(rendered, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func (p *PtyProcess) pollUntilComplete(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if parser.IsCommandComplete(lastNonEmptyLine(p.render())) {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("debugger pty child did not become ready within %s", timeout)
		case <-p.doneCh:
			return fmt.Errorf("debugger pty child exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute writes command, then polls the rendered screen until the prompt
// reappears, cancel fires, or readTimeout elapses.
func (p *PtyProcess) Execute(ctx context.Context, command string, cancel <-chan struct{}, readTimeout time.Duration) (string, ExitReason, error) {
	if !p.IsActive() {
		return "", ExitFault, fmt.Errorf("debugger child is not running")
	}

	p.mu.Lock()
	p.buf.Reset()
	p.mu.Unlock()

	if _, err := p.pty.Write([]byte(command + "\r")); err != nil {
		return "", ExitFault, fmt.Errorf("write command: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			rendered := p.render()
			if parser.IsCommandComplete(lastNonEmptyLine(rendered)) {
				return rendered, ExitNormal, nil
			}
		case <-timer.C:
			return p.render(), ExitTimeout, nil
		case <-cancel:
			return p.render(), ExitCancelled, nil
		case <-p.doneCh:
			return p.render(), ExitFault, fmt.Errorf("debugger child exited mid-command")
		case <-ctx.Done():
			return p.render(), ExitCancelled, ctx.Err()
		}
	}
}

// CancelCurrent sends Ctrl-C over the pty, the PTY-backed equivalent of
// Process.CancelCurrent's SIGINT.
func (p *PtyProcess) CancelCurrent() {
	p.mu.Lock()
	h := p.pty
	p.mu.Unlock()
	if h == nil {
		return
	}
	_, _ = h.Write([]byte{0x03})
}

// Stop requests a clean exit, waits up to grace, then force-kills.
func (p *PtyProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	if p.Status() == statusStopped || p.Status() == statusStopping {
		p.mu.Unlock()
		return nil
	}
	p.status.Store(statusStopping)
	if p.stopCh != nil {
		select {
		case <-p.stopCh:
		default:
			close(p.stopCh)
		}
	}
	h := p.pty
	cmd := p.cmd
	done := p.doneCh
	p.mu.Unlock()

	if h != nil {
		_, _ = h.Write([]byte("q\r"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-done:
		p.logger.Info("debugger pty child stopped gracefully")
	case <-waitCtx.Done():
		if cmd != nil && cmd.Process != nil {
			p.logger.Warn("force killing debugger pty child", zap.Int("pid", p.ProcessID()))
			_ = cmd.Process.Kill()
		}
	}
	if h != nil {
		_ = h.Close()
	}

	p.status.Store(statusStopped)
	return nil
}

// ExitError returns the error the child exited with, if any.
func (p *PtyProcess) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}
