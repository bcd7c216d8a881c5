package diode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	cmnBackoff "github.com/CrabeDeFrance/lidi/common/backoff"
	"github.com/CrabeDeFrance/lidi/common/logging"
	"github.com/CrabeDeFrance/lidi/common/metrics"
	cmnSyscall "github.com/CrabeDeFrance/lidi/common/syscall"
	"github.com/CrabeDeFrance/lidi/diode-test-runner/env"
)

const (
	// maxCapturedOutput bounds the output kept in memory per process.
	maxCapturedOutput = 64 * 1024

	defaultProbeInterval = 50 * time.Millisecond
	probeDialTimeout     = 250 * time.Millisecond

	// HighPriority is the niceness given to data path processes.
	HighPriority = -20
)

// StreamPolicy is the disposition of the standard streams of a process.
type StreamPolicy int

const (
	// StreamDiscard sends stdout and stderr to the null device.
	StreamDiscard StreamPolicy = iota
	// StreamCapture writes stdout and stderr to a console log file and keeps
	// the tail in memory for diagnostics.
	StreamCapture
)

// ReadinessMode selects how readiness of a process is established.
type ReadinessMode string

const (
	// ReadinessSettle waits for a fixed settle delay, then checks that the
	// process is alive.
	ReadinessSettle ReadinessMode = "settle"
	// ReadinessProbe additionally dials the bound endpoint until it accepts
	// a connection.
	ReadinessProbe ReadinessMode = "probe"
)

// ReadinessPolicy describes how to wait for a process to become ready.
type ReadinessPolicy struct {
	// Settle is the fixed delay slept after spawning.
	Settle time.Duration
	// Mode is the readiness mode.
	Mode ReadinessMode
	// ProbeAddr is the TCP endpoint dialed in probe mode. Processes without
	// a TCP endpoint fall back to the settle mode.
	ProbeAddr string
	// ProbeInterval is the delay between two probe attempts.
	ProbeInterval time.Duration
}

// ManagedProcess is a supervised external process.
type ManagedProcess struct {
	sync.Mutex

	name   string
	logger *logging.Logger

	cmd     *exec.Cmd
	monitor *env.CmdMonitor
	output  *tailBuffer
}

// Name returns the process name.
func (p *ManagedProcess) Name() string {
	return p.name
}

// Pid returns the process identifier.
func (p *ManagedProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Running returns true iff the process has not exited.
func (p *ManagedProcess) Running() bool {
	return p != nil && !p.monitor.Exited()
}

// Output returns the most recent captured output, if the output is captured.
func (p *ManagedProcess) Output() string {
	if p.output == nil {
		return ""
	}
	return p.output.String()
}

// Errors returns a channel receiving an error wrapping env.ErrEarlyTerm if
// the process exits on its own.
func (p *ManagedProcess) Errors() <-chan error {
	return p.monitor.Errors()
}

// Done returns a channel closed once the process has exited.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.monitor.Done()
}

// AwaitReady waits for the process to become ready according to policy.
// A process that exits in the meantime yields a *StartupError.
func (p *ManagedProcess) AwaitReady(ctx context.Context, policy ReadinessPolicy) error {
	select {
	case <-time.After(policy.Settle):
	case <-p.monitor.Done():
		return p.startupError(nil)
	case <-ctx.Done():
		return p.startupError(ctx.Err())
	}
	if p.monitor.Exited() {
		return p.startupError(nil)
	}

	if policy.Mode != ReadinessProbe || policy.ProbeAddr == "" {
		return nil
	}

	interval := policy.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	probe := func() error {
		if p.monitor.Exited() {
			return backoff.Permanent(p.startupError(nil))
		}
		conn, err := net.DialTimeout("tcp", policy.ProbeAddr, probeDialTimeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	notify := func(err error, d time.Duration) {
		p.logger.Debug("readiness probe failed",
			"addr", policy.ProbeAddr,
			"err", err,
			"retry_in", d,
		)
	}
	bo := backoff.WithContext(cmnBackoff.NewProbeBackOff(interval), ctx)
	if err := backoff.RetryNotify(probe, bo, notify); err != nil {
		var startupErr *StartupError
		if errors.As(err, &startupErr) {
			return err
		}
		return p.startupError(fmt.Errorf("readiness probe of %s: %w", policy.ProbeAddr, err))
	}

	p.logger.Debug("readiness probe succeeded",
		"addr", policy.ProbeAddr,
	)
	return nil
}

func (p *ManagedProcess) startupError(cause error) error {
	if cause == nil {
		if p.monitor.Exited() {
			cause = p.monitor.ExitErr()
			if cause == nil {
				cause = env.ErrEarlyTerm
			}
		}
	}
	return &StartupError{
		Name:   p.name,
		Output: p.Output(),
		Err:    cause,
	}
}

// Terminate kills the process and waits for it to exit. It is safe to call
// on a nil or already exited process.
func (p *ManagedProcess) Terminate() {
	if p == nil {
		return
	}
	p.Stop(0)
}

// Stop sends SIGTERM, waits up to grace for the process to exit, then kills
// it. It is safe to call on a nil or already exited process.
func (p *ManagedProcess) Stop(grace time.Duration) {
	if p == nil {
		return
	}

	wasRunning := p.Running()
	p.monitor.Terminate(grace)
	metrics.ProcessIO.Untrack(p.name)

	if wasRunning {
		p.logger.Debug("process terminated",
			"grace", grace,
			"exit", p.monitor.ExitErr(),
		)
	}
}

// Wait waits for a process expected to exit on its own. A non-zero exit, or
// the context expiring first (the process is then killed), yields an error
// wrapping ErrTransferFailed.
func (p *ManagedProcess) Wait(ctx context.Context) error {
	select {
	case <-p.monitor.Done():
	case <-ctx.Done():
		p.Terminate()
		return fmt.Errorf("%w: %s: %v", ErrTransferFailed, p.name, ctx.Err())
	}

	if err := p.monitor.ExitErr(); err != nil {
		msg := fmt.Sprintf("%s: %v", p.name, err)
		if out := strings.TrimSpace(p.Output()); out != "" {
			msg += "\noutput:\n" + out
		}
		return fmt.Errorf("%w: %s", ErrTransferFailed, msg)
	}
	return nil
}

// RaisePriority sets the scheduling priority of the process. It is a best
// effort that is skipped unless running as root on a supported platform.
func (p *ManagedProcess) RaisePriority(niceness int) {
	if !cmnSyscall.PrioritySupported || os.Geteuid() != 0 || !p.Running() {
		return
	}
	if err := cmnSyscall.SetPriority(p.Pid(), niceness); err != nil {
		p.logger.Warn("failed to raise process priority",
			"err", err,
			"niceness", niceness,
		)
	}
}

// Spawn starts a supervised process. The process is registered with the
// environment, which kills it on cleanup if still running.
func Spawn(
	e *env.Env,
	logger *logging.Logger,
	name string,
	binary string,
	args []string,
	policy StreamPolicy,
) (*ManagedProcess, error) {
	return spawn(e, logger, name, binary, args, policy, 0)
}

// spawn is Spawn with a grace period for cleanup, for processes that must
// release resources on SIGTERM.
func spawn(
	e *env.Env,
	logger *logging.Logger,
	name string,
	binary string,
	args []string,
	policy StreamPolicy,
	cleanupGrace time.Duration,
) (*ManagedProcess, error) {
	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = env.CmdAttrs()

	p := &ManagedProcess{
		name:   name,
		logger: logger.With("process", name),
		cmd:    cmd,
	}

	if policy == StreamCapture {
		w, err := e.CurrentDir().NewLogWriter(name + ".console.log")
		if err != nil {
			return nil, err
		}
		e.AddOnCleanup(w.Close)

		p.output = newTailBuffer(maxCapturedOutput)
		out := io.MultiWriter(w, p.output)
		cmd.Stdout = out
		cmd.Stderr = out
	}

	p.logger.Info("launching process",
		"binary", binary,
		"args", strings.Join(args, " "),
	)

	if err := cmd.Start(); err != nil {
		return nil, &StartupError{
			Name: name,
			Err:  err,
		}
	}
	p.monitor = e.AddTermOnCleanup(cmd, cleanupGrace)
	metrics.ProcessIO.Track(name, cmd.Process.Pid)

	return p, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	sync.Mutex

	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()

	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.Lock()
	defer b.Unlock()
	return string(b.buf)
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}
