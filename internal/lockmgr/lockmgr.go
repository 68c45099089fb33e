// Package lockmgr implements the three named locks the scheduler uses
// to serialize access to shared state: Scheduler, IdGen and
// QueueDrain (spec §4.2). Every acquisition prefers an advisory
// kernel flock and falls back to a mkdir sentinel directory when the
// filesystem doesn't support one (e.g. some network mounts), so the
// same code path works everywhere.
package lockmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Name identifies one of the three locks this package manages.
type Name string

const (
	Scheduler  Name = "scheduler"
	IdGen      Name = "idgen"
	QueueDrain Name = "queue_drain"
)

// rank enforces the acquisition order Scheduler > IdGen > QueueDrain:
// a goroutine already holding a lower-ranked lock must never try to
// acquire a higher-ranked one, or two callers can deadlock each
// waiting on the other's lock. Manager.Acquire and TryAcquire return
// an error on an out-of-order request from the same Manager instance,
// and ErrWouldBlock when that Manager already holds the requested lock.
var rank = map[Name]int{
	Scheduler:  0,
	IdGen:      1,
	QueueDrain: 2,
}

// ErrWouldBlock is returned by TryAcquire when the lock is already
// held and non-blocking semantics were requested (QueueDrain, per
// spec §4.2, never blocks the caller).
var ErrWouldBlock = errors.New("lockmgr: lock is held")

// Manager resolves and tracks locks under a single state directory.
type Manager struct {
	dir  string
	held []Name
}

func New(stateDir string) *Manager {
	return &Manager{dir: stateDir}
}

func (m *Manager) path(n Name) string {
	return filepath.Join(m.dir, string(n)+".lock")
}

// Lock represents a held lock; Release is idempotent and safe to call
// multiple times or defer unconditionally.
type Lock struct {
	name     Name
	f        *os.File
	sentinel string
	released bool
}

// Acquire blocks (up to timeout) until the named lock is obtained.
// IdGen and Scheduler use a 30s timeout per spec §4.2; QueueDrain
// should be acquired with TryAcquire instead.
func (m *Manager) Acquire(n Name, timeout time.Duration) (*Lock, error) {
	if err := m.checkOrder(n); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		lk, err := m.tryOnce(n)
		if err == nil {
			m.held = append(m.held, n)
			return lk, nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lockmgr: acquire %s: timed out after %s", n, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TryAcquire attempts the lock once and returns ErrWouldBlock
// immediately if it's held, matching QueueDrain's "skip this cycle,
// don't wait" contract (spec §4.2: "a concurrent drain simply no-ops
// rather than queuing behind the first").
func (m *Manager) TryAcquire(n Name) (*Lock, error) {
	if err := m.checkOrder(n); err != nil {
		return nil, err
	}
	lk, err := m.tryOnce(n)
	if err != nil {
		return nil, err
	}
	m.held = append(m.held, n)
	return lk, nil
}

func (m *Manager) checkOrder(n Name) error {
	want := rank[n]
	for _, h := range m.held {
		if h == n {
			return ErrWouldBlock
		}
		if rank[h] >= want {
			return fmt.Errorf("lockmgr: out-of-order acquire of %s while holding %s", n, h)
		}
	}
	return nil
}

func (m *Manager) tryOnce(n Name) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	path := m.path(n)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			// flock works here and the lock is genuinely held elsewhere:
			// the mkdir fallback must not be tried, since the real holder
			// took this same flock branch and never created a sentinel.
			return nil, ErrWouldBlock
		}
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EINVAL) {
			return m.tryMkdirFallback(n)
		}
		return nil, err
	}
	return &Lock{name: n, f: f}, nil
}

// tryMkdirFallback models the lock as the presence of a sentinel
// directory: os.Mkdir is atomic test-and-set on every filesystem Go
// supports, which is why the ID Allocator (spec §4.3) uses the same
// primitive for job directories.
func (m *Manager) tryMkdirFallback(n Name) (*Lock, error) {
	sentinel := filepath.Join(m.dir, string(n)+".lockdir")
	if err := os.Mkdir(sentinel, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	return &Lock{name: n, sentinel: sentinel}, nil
}

// Release drops the lock. Calling Release more than once, or on a nil
// Lock, is a no-op so callers can defer it unconditionally alongside
// an earlier explicit release on a success path.
func (lk *Lock) Release(m *Manager) error {
	if lk == nil || lk.released {
		return nil
	}
	lk.released = true
	for i, h := range m.held {
		if h == lk.name {
			m.held = append(m.held[:i], m.held[i+1:]...)
			break
		}
	}
	if lk.f != nil {
		unix.Flock(int(lk.f.Fd()), unix.LOCK_UN)
		return lk.f.Close()
	}
	if lk.sentinel != "" {
		return os.Remove(lk.sentinel)
	}
	return nil
}
