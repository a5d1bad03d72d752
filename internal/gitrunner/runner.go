// Package gitrunner executes git subcommands for workspace and merge
// operations. Commands run with a bounded retry on spawn errors and
// timeouts; non-zero exits from checked commands surface as *GitError.
package gitrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

const (
	defaultAttempts = 2
	defaultBackoff  = 100 * time.Millisecond
)

// Result holds the outcome of a git invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// GitError is returned by checked commands that exit non-zero.
type GitError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Attempts int
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

// Runner executes git commands against local repositories. Per-repo
// git operations must not overlap; callers hold RepoLock around
// mutating sequences (worktree add/remove, merge, rebase).
type Runner struct {
	logger   *logger.Logger
	attempts int
	backoff  time.Duration
	timeout  time.Duration

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets a per-command timeout. Zero means no timeout beyond
// the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithRetry overrides the retry policy.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(r *Runner) {
		r.attempts = attempts
		r.backoff = backoff
	}
}

// NewRunner creates a git runner.
func NewRunner(log *logger.Logger, opts ...Option) *Runner {
	if log == nil {
		log = logger.Default()
	}
	r := &Runner{
		logger:    log.WithFields(zap.String("component", "gitrunner")),
		attempts:  defaultAttempts,
		backoff:   defaultBackoff,
		repoLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RepoLock returns the mutex guarding git operations on a repository.
func (r *Runner) RepoLock(repoPath string) *sync.Mutex {
	r.repoLockMu.Lock()
	defer r.repoLockMu.Unlock()

	if lock, ok := r.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.repoLocks[repoPath] = lock
	return lock
}

// Run executes git with the given args in repoPath. Spawn errors and
// timeouts are retried per the policy; a non-zero exit is returned in
// the Result without error.
func (r *Runner) Run(ctx context.Context, repoPath string, args ...string) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		res, err := r.runOnce(ctx, repoPath, args)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < r.attempts {
			r.logger.Debug("git command failed, retrying",
				zap.Strings("args", args),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.backoff):
			}
		}
	}

	return nil, fmt.Errorf("git %s failed after %d attempts: %w",
		strings.Join(args, " "), r.attempts, lastErr)
}

func (r *Runner) runOnce(ctx context.Context, repoPath string, args []string) (*Result, error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && runCtx.Err() == nil {
		// Non-zero exit is a result, not a spawn failure.
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("git %s timed out: %w", strings.Join(args, " "), runCtx.Err())
	}
	return nil, err
}

// RunChecked executes git and returns *GitError on non-zero exit.
func (r *Runner) RunChecked(ctx context.Context, repoPath string, args ...string) (*Result, error) {
	res, err := r.Run(ctx, repoPath, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &GitError{
			Args:     args,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Attempts: r.attempts,
		}
	}
	return res, nil
}

// Output runs a checked command and returns trimmed stdout.
func (r *Runner) Output(ctx context.Context, repoPath string, args ...string) (string, error) {
	res, err := r.RunChecked(ctx, repoPath, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RefExists reports whether a ref resolves in the repository.
func (r *Runner) RefExists(ctx context.Context, repoPath, ref string) bool {
	res, err := r.Run(ctx, repoPath, "rev-parse", "--verify", "--quiet", ref)
	return err == nil && res.ExitCode == 0
}

// HasOrigin reports whether the repository has an origin remote.
func (r *Runner) HasOrigin(ctx context.Context, repoPath string) bool {
	res, err := r.Run(ctx, repoPath, "remote", "get-url", "origin")
	return err == nil && res.ExitCode == 0
}

// HeadCommit returns the current HEAD SHA of the repository.
func (r *Runner) HeadCommit(ctx context.Context, repoPath string) (string, error) {
	return r.Output(ctx, repoPath, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return r.Output(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}
