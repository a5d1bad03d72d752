// Package procrun spawns and supervises subprocesses for agent and
// launcher execution. Outcomes carry a structured error code so
// callers can distinguish timeouts, non-zero exits, and spawn faults.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

// Error codes surfaced at service boundaries.
const (
	CodeTimeout     = "PROCESS_TIMEOUT"
	CodeNonzeroExit = "PROCESS_NONZERO_EXIT"
	CodeOSError     = "PROCESS_OS_ERROR"
)

const (
	defaultAttempts = 2
	defaultBackoff  = 100 * time.Millisecond
)

// ProcessError is the structured failure of a subprocess run.
type ProcessError struct {
	Code     string
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	switch e.Code {
	case CodeTimeout:
		return fmt.Sprintf("%s %s timed out", e.Command, strings.Join(e.Args, " "))
	case CodeNonzeroExit:
		msg := strings.TrimSpace(e.Stderr)
		return fmt.Sprintf("%s exited %d: %s", e.Command, e.ExitCode, msg)
	default:
		return fmt.Sprintf("%s spawn failed: %v", e.Command, e.Err)
	}
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Spec describes a subprocess to run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// CaptureResult holds the collected output of a completed process.
type CaptureResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes subprocesses with a bounded retry on spawn errors
// and timeouts. Non-zero exits are never retried.
type Runner struct {
	logger   *logger.Logger
	attempts int
	backoff  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetry overrides the retry policy.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(r *Runner) {
		r.attempts = attempts
		r.backoff = backoff
	}
}

// NewRunner creates a process runner.
func NewRunner(log *logger.Logger, opts ...Option) *Runner {
	if log == nil {
		log = logger.Default()
	}
	r := &Runner{
		logger:   log.WithFields(zap.String("component", "procrun")),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) newCmd(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}
	return cmd
}

// Capture runs the process to completion and collects stdout/stderr.
// Spawn errors and timeouts are retried; exhaustion returns a
// *ProcessError with the corresponding code. A non-zero exit is a
// successful capture (inspect ExitCode).
func (r *Runner) Capture(ctx context.Context, spec Spec) (*CaptureResult, error) {
	var lastErr *ProcessError

	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, perr := r.captureOnce(ctx, spec)
		if perr == nil {
			return res, nil
		}
		lastErr = perr

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < r.attempts {
			r.logger.Debug("process failed, retrying",
				zap.String("command", spec.Command),
				zap.String("code", perr.Code),
				zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoff):
			}
		}
	}

	return nil, lastErr
}

func (r *Runner) captureOnce(ctx context.Context, spec Spec) (*CaptureResult, *ProcessError) {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := r.newCmd(runCtx, spec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return &CaptureResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &ProcessError{
			Code:    CodeTimeout,
			Command: spec.Command,
			Args:    spec.Args,
			Stderr:  stderr.String(),
			Err:     runCtx.Err(),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CaptureResult{
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil
	}

	return nil, &ProcessError{
		Code:    CodeOSError,
		Command: spec.Command,
		Args:    spec.Args,
		Err:     err,
	}
}

// Checked runs Capture and converts a non-zero exit into a
// *ProcessError with code PROCESS_NONZERO_EXIT.
func (r *Runner) Checked(ctx context.Context, spec Spec) (*CaptureResult, error) {
	res, err := r.Capture(ctx, spec)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &ProcessError{
			Code:     CodeNonzeroExit,
			Command:  spec.Command,
			Args:     spec.Args,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// Process is a handle on a spawned long-running subprocess.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logger.Logger
	done   chan struct{}
	waited error
}

// Spawn starts the process and returns a handle with streaming pipes.
// Spawn errors are not retried here; supervision loops own the retry
// decision for long-running agents.
func (r *Runner) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	cmd := r.newCmd(ctx, spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Code: CodeOSError, Command: spec.Command, Args: spec.Args, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Code: CodeOSError, Command: spec.Command, Args: spec.Args, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Code: CodeOSError, Command: spec.Command, Args: spec.Args, Err: err}
	}

	p := &Process{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: r.logger,
		done:   make(chan struct{}),
	}
	go func() {
		p.waited = cmd.Wait()
		close(p.done)
	}()

	r.logger.Debug("spawned process",
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// Stdout returns the process stdout stream.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the process stderr stream.
func (p *Process) Stderr() io.Reader { return p.stderr }

// PID returns the OS process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
	}

	if p.waited == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.waited, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, p.waited
}

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop interrupts the process and waits up to grace before killing it.
func (p *Process) Stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}

	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		p.logger.Debug("signal failed, killing", zap.Error(err))
		_ = p.cmd.Process.Kill()
		<-p.done
		return
	}

	select {
	case <-p.done:
	case <-time.After(grace):
		p.logger.Warn("process did not exit in grace period, killing",
			zap.Int("pid", p.PID()))
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
