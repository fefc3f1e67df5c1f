// Package ring implements the single-producer/single-consumer fixed-size
// ring described in spec.md §4.1: a shared-memory segment with an 8-byte
// header (readIdx, writeIdx, both little-endian u32) followed by a raw
// byte buffer, guarded by a named binary semaphore.
//
// Segments are created under /dev/shm, the tmpfs Linux already mounts for
// POSIX shared memory — the same storage a real shm_open(3) call would
// hand back, so the on-disk (in-tmpfs) layout stays bit-identical to what
// the existing out-of-process alarm/heartbeat consumers expect.
package ring

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const headerSize = 8 // readIdx u32 + writeIdx u32

// Mode selects overflow behavior.
type Mode int

const (
	// ModeRetain rejects Write when there isn't enough free space.
	ModeRetain Mode = iota
	// ModeOverwrite truncates the buffer and writes at offset 0, making the
	// new message the sole occupant (last-writer-wins slot of one).
	ModeOverwrite
)

const shmDir = "/dev/shm"

// Ring is a shared-memory ring buffer. The zero value is not usable; use
// Create or Open.
type Ring struct {
	name       string
	mode       Mode
	bufferSize uint32

	segPath string
	semPath string

	mm  []byte // mmap of headerSize+bufferSize bytes
	sem *semaphore

	owner bool // true if this process created (and must unlink) the segment
	valid atomic.Bool
}

// Create makes a new ring (or attaches to an existing one with the same
// name) of bufferSize payload bytes, owned by this process: only the
// creator unlinks the segment and semaphore on Close.
func Create(name string, bufferSize uint32, mode Mode) (*Ring, error) {
	return open(name, bufferSize, mode, true)
}

// Open attaches to an existing ring without taking ownership. Used by
// out-of-process consumers (alarm readers, heartbeat readers).
func Open(name string, bufferSize uint32, mode Mode) (*Ring, error) {
	return open(name, bufferSize, mode, false)
}

func segmentPaths(name string) (seg, sem string) {
	base := filepath.Base(name)
	return filepath.Join(shmDir, base), filepath.Join(shmDir, base+".sem")
}

func open(name string, bufferSize uint32, mode Mode, owner bool) (*Ring, error) {
	segPath, semPath := segmentPaths(name)

	totalSize := int64(headerSize) + int64(bufferSize)

	f, err := os.OpenFile(segPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ring: open segment %s: %w", segPath, err)
	}
	defer f.Close()

	if err := enforceOwnerPermissions(f); err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ring: stat segment: %w", err)
	}
	if info.Size() < totalSize {
		if err := f.Truncate(totalSize); err != nil {
			return nil, fmt.Errorf("ring: truncate segment: %w", err)
		}
	}

	mm, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	sem, err := openSemaphore(semPath)
	if err != nil {
		unix.Munmap(mm)
		return nil, err
	}

	r := &Ring{
		name:       name,
		mode:       mode,
		bufferSize: bufferSize,
		segPath:    segPath,
		semPath:    semPath,
		mm:         mm,
		sem:        sem,
		owner:      owner,
	}
	r.valid.Store(true)
	return r, nil
}

// enforceOwnerPermissions checks the file is owned by the current uid and
// forces 0600 permissions, per spec.md §4.1; a mismatch is fatal.
func enforceOwnerPermissions(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ring: stat: %w", err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil // platform without a uid concept; nothing to enforce
	}
	if stat.Uid != uint32(os.Getuid()) {
		return fmt.Errorf("ring: segment %s not owned by current uid (fatal)", f.Name())
	}
	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("ring: chmod segment: %w", err)
	}
	return nil
}

func (r *Ring) readIdxPtr() *uint32  { return (*uint32)(unsafe.Pointer(&r.mm[0])) }
func (r *Ring) writeIdxPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.mm[4])) }

func (r *Ring) loadReadIdx() uint32  { return atomic.LoadUint32(r.readIdxPtr()) }
func (r *Ring) loadWriteIdx() uint32 { return atomic.LoadUint32(r.writeIdxPtr()) }
func (r *Ring) storeReadIdx(v uint32) {
	atomic.StoreUint32(r.readIdxPtr(), v)
}

// storeWriteIdx uses a release store: by the time a reader observes the new
// writeIdx (loaded with acquire via loadWriteIdx, itself backed by
// atomic.LoadUint32 which provides acquire semantics on every platform Go
// supports), every payload byte below it is already visible.
func (r *Ring) storeWriteIdx(v uint32) {
	atomic.StoreUint32(r.writeIdxPtr(), v)
}

func (r *Ring) buffer() []byte { return r.mm[headerSize:] }

var (
	// ErrRingFull is returned by Write in ModeRetain when there isn't
	// enough free space for msg+NUL.
	ErrRingFull = errors.New("ring: full")
	// ErrTooLarge is returned when msg cannot ever fit, even in an empty
	// ring.
	ErrTooLarge = errors.New("ring: message larger than buffer")
	// ErrInvalid is returned once the ring has recorded a persistent
	// semaphore failure and short-circuited.
	ErrInvalid = errors.New("ring: invalid (semaphore failure)")
)

// Write appends msg followed by a single NUL sentinel. In ModeRetain it
// fails with ErrRingFull when there is not enough free space; in
// ModeOverwrite it truncates the ring and writes at offset 0, becoming the
// sole occupant, failing only when the message itself cannot fit the whole
// buffer.
func (r *Ring) Write(msg []byte) error {
	if !r.valid.Load() {
		log.Printf("ring %s: write skipped, ring invalid", r.name)
		return ErrInvalid
	}
	need := len(msg) + 1
	if uint32(need) > r.bufferSize {
		return ErrTooLarge
	}

	if err := r.sem.wait(); err != nil {
		r.invalidate(err)
		return err
	}
	defer func() {
		if err := r.sem.post(); err != nil {
			r.invalidate(err)
		}
	}()

	buf := r.buffer()

	if r.mode == ModeOverwrite {
		copy(buf, msg)
		buf[len(msg)] = 0
		r.storeReadIdx(0)
		r.storeWriteIdx(uint32(need))
		return nil
	}

	readIdx := r.loadReadIdx()
	writeIdx := r.loadWriteIdx()
	free := r.freeSpace(readIdx, writeIdx)
	if uint32(need) > free {
		return ErrRingFull
	}
	for i, b := range msg {
		buf[(int(writeIdx)+i)%len(buf)] = b
	}
	buf[(int(writeIdx)+len(msg))%len(buf)] = 0
	r.storeWriteIdx((writeIdx + uint32(need)) % uint32(len(buf)))
	return nil
}

func (r *Ring) freeSpace(readIdx, writeIdx uint32) uint32 {
	size := uint32(len(r.buffer()))
	used := (writeIdx - readIdx + size) % size
	// Reserve one slot so readIdx==writeIdx unambiguously means empty.
	if used == 0 && writeIdx == readIdx {
		return size - 1
	}
	return size - used - 1
}

// Read returns the earliest message up to the first NUL and advances
// readIdx. Returns (nil, false) when empty.
func (r *Ring) Read() ([]byte, bool) {
	if !r.valid.Load() {
		log.Printf("ring %s: read short-circuited, ring invalid", r.name)
		return nil, false
	}

	if err := r.sem.wait(); err != nil {
		r.invalidate(err)
		return nil, false
	}
	defer func() {
		if err := r.sem.post(); err != nil {
			r.invalidate(err)
		}
	}()

	readIdx := r.loadReadIdx()
	writeIdx := r.loadWriteIdx()
	if readIdx == writeIdx {
		return nil, false
	}

	buf := r.buffer()
	size := uint32(len(buf))
	var out []byte
	i := readIdx
	for i != writeIdx {
		b := buf[i]
		if b == 0 {
			i = (i + 1) % size
			break
		}
		out = append(out, b)
		i = (i + 1) % size
	}
	r.storeReadIdx(i)
	return out, true
}

func (r *Ring) invalidate(cause error) {
	if r.valid.CompareAndSwap(true, false) {
		log.Printf("ring %s: marked invalid after semaphore failure: %v", r.name, cause)
	}
}

// Close releases local handles. Only the creator unlinks the underlying
// segment and semaphore files.
func (r *Ring) Close() error {
	var errs []error
	if err := unix.Munmap(r.mm); err != nil {
		errs = append(errs, err)
	}
	if err := r.sem.close(); err != nil {
		errs = append(errs, err)
	}
	if r.owner {
		if err := os.Remove(r.segPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		if err := r.sem.unlink(r.semPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ring: close: %v", errs)
	}
	return nil
}
