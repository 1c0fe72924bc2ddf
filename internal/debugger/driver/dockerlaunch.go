package driver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/debugger/parser"
	"github.com/kandev/cdbsrv/internal/logger"
)

// DockerConfig selects the container a DockerProcess launches the debugger
// binary inside, mirroring the host/image split of a plain container
// client.
type DockerConfig struct {
	Host  string
	Image string
}

// DockerProcess is a ChildDriver that runs the debugger binary inside a
// disposable container instead of as a direct child of this process,
// grounded on the teacher's agent/docker.Client attach/demultiplex
// machinery. Useful for sandboxing analysis of dumps from untrusted
// sources: the binary never touches the host filesystem beyond the
// read-only mounts it's given.
type DockerProcess struct {
	logger *logger.Logger
	cfg    DockerConfig

	cli         *client.Client
	containerID string

	stdin  io.WriteCloser
	conn   net.Conn
	status atomic.Value // status

	outputBuffer *RingBuffer
	lines        chan string

	useSentinels bool

	mu     sync.Mutex
	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDockerProcess constructs an idle driver bound to cfg. Start must be
// called before Execute.
func NewDockerProcess(cfg DockerConfig, log *logger.Logger) (*DockerProcess, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	d := &DockerProcess{
		logger:       log.WithFields(zap.String("component", "debugger-driver-docker")),
		cfg:          cfg,
		cli:          cli,
		outputBuffer: NewRingBuffer(2000),
		lines:        make(chan string, 256),
	}
	d.status.Store(statusStopped)
	return d, nil
}

func (d *DockerProcess) Status() status {
	return d.status.Load().(status)
}

func (d *DockerProcess) IsActive() bool {
	s := d.Status()
	return s == statusRunning || s == statusStarting
}

// ProcessID has no meaning for a containerized child; the container ID is
// logged separately.
func (d *DockerProcess) ProcessID() int { return 0 }

// Start creates and starts a container running the debugger binary against
// opts.Target, attaches to its stdio, and blocks until the first prompt
// appears or opts.StartTimeout elapses.
func (d *DockerProcess) Start(ctx context.Context, opts StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IsActive() {
		return fmt.Errorf("debugger child already running")
	}
	d.useSentinels = opts.UseSentinels
	d.status.Store(statusStarting)

	cmd := append([]string{opts.BinaryPath}, buildArgs(opts)...)
	containerCfg := &container.Config{
		Image:        d.cfg.Image,
		Cmd:          cmd,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: opts.Target, Target: opts.Target, ReadOnly: true}}
	if opts.Symbols != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: opts.Symbols, Target: opts.Symbols, ReadOnly: true})
	}
	hostCfg := &container.HostConfig{Mounts: mounts, AutoRemove: true}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		d.status.Store(statusFaulted)
		return fmt.Errorf("create debugger container: %w", err)
	}
	d.containerID = created.ID

	attach, err := d.cli.ContainerAttach(ctx, d.containerID, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		d.status.Store(statusFaulted)
		return fmt.Errorf("attach debugger container: %w", err)
	}
	d.stdin = attach.Conn
	d.conn = attach.Conn

	if err := d.cli.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		d.status.Store(statusFaulted)
		return fmt.Errorf("start debugger container: %w", err)
	}

	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	d.wg.Add(2)
	go d.demux(attach.Reader)
	go d.waitForExit(ctx)

	d.logger.Info("debugger container started", zap.String("container_id", d.containerID), zap.String("image", d.cfg.Image))

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := d.waitForReady(ctx, timeout, opts.SymbolRetries, opts.SymbolTimeout); err != nil {
		d.status.Store(statusFaulted)
		return err
	}

	d.status.Store(statusRunning)
	return nil
}

func (d *DockerProcess) waitForReady(ctx context.Context, timeout time.Duration, attempts int, attemptTimeout time.Duration) error {
	if attemptTimeout <= 0 {
		attemptTimeout = timeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	remaining := attempts
	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return fmt.Errorf("debugger container closed before becoming ready")
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
			return fmt.Errorf("debugger container did not become ready within %s", timeout)
		case <-d.doneCh:
			return fmt.Errorf("debugger container exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute mirrors Process.Execute: write the command, accumulate lines
// until a prompt, cancellation, or timeout.
func (d *DockerProcess) Execute(ctx context.Context, command string, cancel <-chan struct{}, readTimeout time.Duration) (string, ExitReason, error) {
	if !d.IsActive() {
		return "", ExitFault, fmt.Errorf("debugger child is not running")
	}

	var sentinel parser.SentinelPair
	toWrite := command
	if d.useSentinels {
		sentinel = parser.NewSentinelPair(fmt.Sprintf("%d", time.Now().UnixNano()))
		toWrite = fmt.Sprintf(".echo %s\n%s\n.echo %s", sentinel.Start, command, sentinel.End)
	}

	if _, err := io.WriteString(d.stdin, toWrite+"\n"); err != nil {
		return "", ExitFault, fmt.Errorf("write command: %w", err)
	}

	var sb strings.Builder
	seenSentinelEnd := !d.useSentinels

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return sb.String(), ExitFault, fmt.Errorf("debugger child closed mid-command")
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
			if d.useSentinels && !seenSentinelEnd {
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
		case <-d.doneCh:
			return sb.String(), ExitFault, fmt.Errorf("debugger child exited mid-command")
		case <-ctx.Done():
			return sb.String(), ExitCancelled, ctx.Err()
		}
	}
}

// CancelCurrent has no direct container signal equivalent for a single
// in-flight command; the queue engine's read timeout is the backstop.
func (d *DockerProcess) CancelCurrent() {}

// Stop requests a clean exit, waits up to grace, then force-kills the
// container.
func (d *DockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	d.mu.Lock()
	if d.Status() == statusStopped || d.Status() == statusStopping {
		d.mu.Unlock()
		return nil
	}
	d.status.Store(statusStopping)
	if d.stopCh != nil {
		select {
		case <-d.stopCh:
		default:
			close(d.stopCh)
		}
	}
	stdin := d.stdin
	containerID := d.containerID
	done := d.doneCh
	d.mu.Unlock()

	if stdin != nil {
		_, _ = io.WriteString(stdin, "q\n")
		_ = stdin.Close()
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-done:
		d.logger.Info("debugger container stopped gracefully")
	case <-waitCtx.Done():
		d.logger.Warn("force killing debugger container", zap.String("container_id", containerID))
		_ = d.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
	}

	d.status.Store(statusStopped)
	return nil
}

// demux reads Docker's multiplexed attach stream (8-byte frame headers)
// and turns stdout/stderr frames into scanned lines on d.lines.
func (d *DockerProcess) demux(r io.Reader) {
	defer d.wg.Done()
	defer close(d.lines)

	pr, pw := io.Pipe()
	go func() {
		header := make([]byte, 8)
		for {
			if _, err := io.ReadFull(r, header); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			streamType := header[0]
			size := binary.BigEndian.Uint32(header[4:8])
			data := make([]byte, size)
			if size > 0 {
				if _, err := io.ReadFull(r, data); err != nil {
					_ = pw.CloseWithError(err)
					return
				}
			}
			if streamType == 1 || streamType == 2 {
				if _, err := pw.Write(data); err != nil {
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		d.outputBuffer.Add(OutputLine{Timestamp: time.Now(), Stream: "stdout", Content: line})
		select {
		case d.lines <- line:
		case <-d.stopCh:
			return
		}
	}
}

func (d *DockerProcess) waitForExit(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.doneCh)

	statusCh, errCh := d.cli.ContainerWait(context.Background(), d.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			d.logger.Warn("debugger container wait failed", zap.Error(err))
		}
	case res := <-statusCh:
		d.logger.Info("debugger container exited", zap.Int64("status_code", res.StatusCode))
	case <-ctx.Done():
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	if d.Status() != statusStopping {
		d.status.Store(statusFaulted)
	}
}
