package ring

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// semaphore is the mutual-exclusion primitive guarding a shared-memory ring.
//
// The reference implementation this package is ported from uses a POSIX
// named binary semaphore (sem_open/sem_wait/sem_post) living alongside the
// shared-memory segment. Go's standard library and the ecosystem libraries
// available to this module do not expose sem_open without cgo, so this is
// emulated with a dedicated lock file and flock(2) via golang.org/x/sys/unix
// — the same package the teacher's own dependency closure already pulls in
// transitively. flock(2) arbitrates across processes attached to the same
// named ring; a local sync.Mutex additionally arbitrates goroutines sharing
// this *semaphore within one process, since flock does not block a second
// LOCK_EX from the same open file description.
type semaphore struct {
	file  *os.File
	local sync.Mutex
}

func openSemaphore(path string) (*semaphore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ring: open semaphore file %s: %w", path, err)
	}
	if err := enforceOwnerPermissions(f); err != nil {
		f.Close()
		return nil, err
	}
	return &semaphore{file: f}, nil
}

// wait blocks until the lock is acquired. EINTR is retried rather than
// surfaced, per spec.md §4.1 ("interrupted waits must be retried").
func (s *semaphore) wait() error {
	s.local.Lock()
	for {
		err := unix.Flock(int(s.file.Fd()), unix.LOCK_EX)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		s.local.Unlock()
		return fmt.Errorf("ring: sem wait: %w", err)
	}
}

func (s *semaphore) post() error {
	defer s.local.Unlock()
	for {
		err := unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("ring: sem post: %w", err)
	}
}

func (s *semaphore) close() error {
	return s.file.Close()
}

func (s *semaphore) unlink(path string) error {
	return os.Remove(path)
}
