package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/cdbsrv/internal/debugger/parser"
	"github.com/kandev/cdbsrv/internal/logger"
	"go.uber.org/zap"
)

// status mirrors the teacher's atomic.Value status idiom from process.Manager.
type status string

const (
	statusStopped  status = "stopped"
	statusStarting status = "starting"
	statusRunning  status = "running"
	statusStopping status = "stopping"
	statusFaulted  status = "faulted"
)

// Process is the real ChildDriver: a native debugger binary driven as a
// child process over stdin/stdout pipes, grounded on the teacher's
// agentctl/process.Manager.
type Process struct {
	logger *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   atomic.Int64

	status  atomic.Value // status
	exitErr atomic.Value // errorWrapper

	outputBuffer *RingBuffer
	lines        chan string

	useSentinels bool

	mu     sync.Mutex
	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

type errorWrapper struct{ err error }

// NewProcess constructs an idle driver. Start must be called before Execute.
func NewProcess(log *logger.Logger) *Process {
	p := &Process{
		logger:       log.WithFields(zap.String("component", "debugger-driver")),
		outputBuffer: NewRingBuffer(2000),
		lines:        make(chan string, 256),
	}
	p.status.Store(statusStopped)
	return p
}

func (p *Process) Status() status {
	return p.status.Load().(status)
}

func (p *Process) IsActive() bool {
	s := p.Status()
	return s == statusRunning || s == statusStarting
}

func (p *Process) ProcessID() int {
	return int(p.pid.Load())
}

// Start launches the debugger binary and blocks until the first prompt
// appears (the debugger is ready to accept a command) or StartTimeout
// elapses with no output line. Each output line restarts the StartTimeout
// window. When a window elapses without a prompt, up to SymbolRetries
// further windows of SymbolTimeout are granted; the output is not
// inspected for symbol-server progress.
func (p *Process) Start(ctx context.Context, opts StartOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.IsActive() {
		return fmt.Errorf("debugger child already running")
	}

	p.useSentinels = opts.UseSentinels
	p.status.Store(statusStarting)

	args := buildArgs(opts)
	p.cmd = exec.Command(opts.BinaryPath, args...)

	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		p.status.Store(statusFaulted)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		p.status.Store(statusFaulted)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		p.status.Store(statusFaulted)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.status.Store(statusFaulted)
		return fmt.Errorf("start debugger child: %w", err)
	}
	p.pid.Store(int64(p.cmd.Process.Pid))

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.wg.Add(3)
	go p.readStream(stdout, "stdout")
	go p.readStream(stderr, "stderr")
	go p.waitForExit()

	p.logger.Info("debugger child started", zap.Int("pid", p.ProcessID()), zap.String("target", opts.Target))

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := opts.SymbolRetries
	symbolTimeout := opts.SymbolTimeout
	if symbolTimeout <= 0 {
		symbolTimeout = timeout
	}

	if err := p.waitForReady(ctx, timeout, retries, symbolTimeout); err != nil {
		p.status.Store(statusFaulted)
		return err
	}

	p.status.Store(statusRunning)
	return nil
}

func buildArgs(opts StartOptions) []string {
	args := append([]string{}, opts.Args...)
	if opts.Symbols != "" {
		args = append(args, "-y", opts.Symbols)
	}
	if opts.LogFilePath != "" {
		args = append(args, "-logo", opts.LogFilePath)
	}
	if opts.Target != "" {
		args = append(args, "-z", opts.Target)
	}
	return args
}

// waitForReady consumes lines until the first prompt is observed. Every
// line restarts the timeout window; when a window elapses with no line,
// up to attempts extra windows of attemptTimeout are granted.
func (p *Process) waitForReady(ctx context.Context, timeout time.Duration, attempts int, attemptTimeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	remaining := attempts
	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				return fmt.Errorf("debugger child closed before becoming ready")
			}
			if parser.IsCommandComplete(line) {
				return nil
			}
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(timeout)
		case <-deadline.C:
			if remaining > 0 {
				remaining--
				deadline.Reset(attemptTimeout)
				continue
			}
			return fmt.Errorf("debugger child did not become ready within %s", timeout)
		case <-p.doneCh:
			return fmt.Errorf("debugger child exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute writes command and accumulates output until a prompt is seen,
// cancel fires, or readTimeout elapses.
func (p *Process) Execute(ctx context.Context, command string, cancel <-chan struct{}, readTimeout time.Duration) (string, ExitReason, error) {
	if !p.IsActive() {
		return "", ExitFault, fmt.Errorf("debugger child is not running")
	}

	var sentinel parser.SentinelPair
	toWrite := command
	if p.useSentinels {
		sentinel = parser.NewSentinelPair(fmt.Sprintf("%d", time.Now().UnixNano()))
		toWrite = fmt.Sprintf(".echo %s\n%s\n.echo %s", sentinel.Start, command, sentinel.End)
	}

	if _, err := io.WriteString(p.stdin, toWrite+"\n"); err != nil {
		return "", ExitFault, fmt.Errorf("write command: %w", err)
	}

	var sb strings.Builder
	seenSentinelEnd := !p.useSentinels

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				return sb.String(), ExitFault, fmt.Errorf("debugger child closed mid-command")
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
			if p.useSentinels && !seenSentinelEnd {
				if sentinel.SeenEnd(line) {
					seenSentinelEnd = true
				}
				continue
			}
			if parser.IsCommandComplete(line) {
				return sb.String(), ExitNormal, nil
			}
		case <-timer.C:
			return sb.String(), ExitTimeout, nil
		case <-cancel:
			return sb.String(), ExitCancelled, nil
		case <-p.doneCh:
			return sb.String(), ExitFault, fmt.Errorf("debugger child exited mid-command")
		case <-ctx.Done():
			return sb.String(), ExitCancelled, ctx.Err()
		}
	}
}

// CancelCurrent sends an interrupt to the child. It is best-effort: some
// debugger CLIs ignore SIGINT while blocked on I/O, in which case the
// queue engine's read timeout is the real backstop.
func (p *Process) CancelCurrent() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
}

// Stop requests a clean exit, waits up to grace, then force-kills.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
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
	stdin := p.stdin
	cmd := p.cmd
	done := p.doneCh
	p.mu.Unlock()

	if stdin != nil {
		_, _ = io.WriteString(stdin, "q\n")
		_ = stdin.Close()
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-done:
		p.logger.Info("debugger child stopped gracefully")
	case <-waitCtx.Done():
		if cmd != nil && cmd.Process != nil {
			p.logger.Warn("force killing debugger child", zap.Int("pid", p.ProcessID()))
			_ = cmd.Process.Kill()
		}
	}

	p.status.Store(statusStopped)
	return nil
}

func (p *Process) readStream(r io.Reader, streamName string) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.outputBuffer.Add(OutputLine{Timestamp: time.Now(), Stream: streamName, Content: line})
		if streamName == "stdout" {
			select {
			case p.lines <- line:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Process) waitForExit() {
	defer p.wg.Done()
	defer close(p.doneCh)
	defer close(p.lines)

	err := p.cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		p.logger.Warn("debugger child exited with error", zap.Error(err))
	} else {
		p.logger.Info("debugger child exited")
	}
	if p.Status() != statusStopping {
		p.status.Store(statusFaulted)
	}
}

// ExitError returns the error the child exited with, if any.
func (p *Process) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}
