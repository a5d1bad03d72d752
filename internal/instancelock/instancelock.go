// Package instancelock enforces one core process per repository. The
// lock file lives under the user's XDG state directory, never inside
// the repo, keyed by the symlink-resolved repo path. A companion .info
// file records the holder so a second process can report who owns it.
package instancelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// HolderInfo describes the process holding a lock.
type HolderInfo struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	RepoPath string `json:"repo_path"`
}

// HeldError reports that another process holds the lock for this repo.
type HeldError struct {
	RepoPath string
	Holder   *HolderInfo
}

func (e *HeldError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("another instance is running for %s (pid %d on %s)",
			e.RepoPath, e.Holder.PID, e.Holder.Hostname)
	}
	return fmt.Sprintf("another instance is running for %s", e.RepoPath)
}

// Lock is a held per-repository instance lock.
type Lock struct {
	file     *os.File
	lockPath string
	infoPath string
}

// stateDir resolves the XDG state directory for lock files.
func stateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "kagan", "locks"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "kagan", "locks"), nil
}

// lockName derives a stable filename from the canonical repo path.
func lockName(canonical string) string {
	name := ""
	for _, r := range canonical {
		switch r {
		case '/', '\\', ':':
			name += "_"
		default:
			name += string(r)
		}
	}
	return name + ".lock"
}

// Acquire takes the instance lock for repoPath. Symlinks are resolved
// first so two paths to the same repository contend on one lock. A held
// lock returns *HeldError with the current holder's info when readable.
func Acquire(repoPath string) (*Lock, error) {
	canonical, err := filepath.EvalSymlinks(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}

	dir, err := stateDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lockPath := filepath.Join(dir, lockName(canonical))
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &HeldError{RepoPath: canonical, Holder: readInfo(lockPath + ".info")}
		}
		return nil, fmt.Errorf("lock %s: %w", lockPath, err)
	}

	lock := &Lock{
		file:     file,
		lockPath: lockPath,
		infoPath: lockPath + ".info",
	}
	if err := lock.writeInfo(canonical); err != nil {
		lock.Release()
		return nil, err
	}
	return lock, nil
}

func (l *Lock) writeInfo(canonical string) error {
	hostname, _ := os.Hostname()
	info := HolderInfo{
		PID:      os.Getpid(),
		Hostname: hostname,
		RepoPath: canonical,
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.infoPath, raw, 0o644); err != nil {
		return fmt.Errorf("write lock info: %w", err)
	}

	// The PID in the lock file itself aids manual inspection.
	if _, err := l.file.WriteAt([]byte(strconv.Itoa(info.PID)+"\n"), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

func readInfo(path string) *HolderInfo {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info HolderInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil
	}
	return &info
}

// Info returns the recorded holder info for this lock.
func (l *Lock) Info() *HolderInfo {
	return readInfo(l.infoPath)
}

// Release drops the lock and removes the info file. The lock file
// itself stays; a stale empty file is harmless and keeps the inode
// stable for future flocks.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = os.Remove(l.infoPath)
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
