package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// StructuralLock is the lock name serializing all forest-shape mutations:
// clone, branch, del, deploy, rollback and pointer updates.
const StructuralLock = "index"

// ErrHeld indicates the lock is held by another live process.
var ErrHeld = errors.New("lockfile: lock held")

// SnapshotLock returns the per-snapshot transaction lock name.
func SnapshotLock(id uint64) string {
	return fmt.Sprintf("snapshot-%d", id)
}

// HolderInfo describes the current lock holder. It is advisory metadata for
// status output; the flock itself is the authority.
type HolderInfo struct {
	PID        int    `json:"pid"`
	Reason     string `json:"reason,omitempty"`
	AcquiredAt int64  `json:"acquired_at"` // Unix milliseconds
}

// HeldError carries the holder of a contended lock.
type HeldError struct {
	Name   string
	Holder *HolderInfo
}

func (e *HeldError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lockfile: %s held by pid %d (%s)", e.Name, e.Holder.PID, e.Holder.Reason)
	}
	return fmt.Sprintf("lockfile: %s held", e.Name)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Manager creates locks under a single directory.
type Manager struct {
	dir string
}

// NewManager returns a manager rooted at dir. The directory is created on
// first acquire.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Lock is one held flock. Release is idempotent.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the named lock without blocking. If another live process
// holds it, a HeldError wrapping ErrHeld is returned with its holder info.
func (m *Manager) Acquire(name, reason string) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: mkdir %s: %w", m.dir, err)
	}

	path := filepath.Join(m.dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolder(path)
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, &HeldError{Name: name, Holder: holder}
		}
		return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
	}

	lock := &Lock{f: f, path: path}
	if err := lock.writeHolder(HolderInfo{
		PID:        os.Getpid(),
		Reason:     reason,
		AcquiredAt: time.Now().UnixMilli(),
	}); err != nil {
		lock.Release()
		return nil, err
	}
	return lock, nil
}

// AcquireWait retries Acquire with exponential backoff until the lock is
// taken, the context ends, or maxWait elapses.
func (m *Manager) AcquireWait(ctx context.Context, name, reason string, maxWait time.Duration) (*Lock, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = maxWait

	var lock *Lock
	err := backoff.Retry(func() error {
		var err error
		lock, err = m.Acquire(name, reason)
		if err != nil && !errors.Is(err, ErrHeld) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Holder returns the recorded holder of the named lock, or nil if the lock
// is free or its holder is dead.
func (m *Manager) Holder(name string) *HolderInfo {
	path := filepath.Join(m.dir, name+".lock")
	holder := readHolder(path)
	if holder == nil || !ProcessAlive(holder.PID) {
		return nil
	}
	return holder
}

// Release drops the flock and clears the holder record. The lock file itself
// is left in place: deleting it would race a concurrent open of the same
// path.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	// Best effort: a stale holder record under a free flock is harmless.
	_ = l.f.Truncate(0)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("lockfile: unlock %s: %w", l.path, err)
	}
	return closeErr
}

func (l *Lock) writeHolder(info HolderInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("lockfile: marshal holder: %w", err)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("lockfile: truncate: %w", err)
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("lockfile: write holder: %w", err)
	}
	return nil
}

func readHolder(path string) *HolderInfo {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var info HolderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

// ProcessAlive reports whether a process exists, via signal 0.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
