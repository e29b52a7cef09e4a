// Package vm is the boundary between the heap and the operating system's
// virtual memory primitives.
//
// All sizes and addresses passed to a Source must already be multiples of its
// page size. The package asserts this instead of rounding.
package vm

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/oom"
)

// ProtectMode is the access mode of a protected range.
type ProtectMode int

const (
	ProtectNone ProtectMode = iota
	ProtectReadWrite
)

func (m ProtectMode) String() string {
	if m == ProtectNone {
		return "none"
	}
	return "rw"
}

// Advice is a hint about the future use of a range.
type Advice int

const (
	AdviceRandom Advice = iota
	AdviceSequential
	AdviceUnused   // contents may be discarded; the range stays mapped
	AdviceWillNeed // prefetch
	AdviceHugePage
)

// ErrUnsupported is returned on platforms without a virtual memory
// implementation. The malloc storage provider works everywhere.
var ErrUnsupported = errors.New("vm: not supported on this platform")

// Source is the set of virtual memory operations the heap needs.
type Source interface {
	// PageSize returns the page size that callers must align to.
	PageSize() uintptr
	// Allocate maps size bytes of zeroed read-write memory. hint is a
	// preferred address, or 0.
	Allocate(size, hint uintptr) (uintptr, error)
	// AllocateAligned is like Allocate, but the result is a multiple of
	// alignment.
	AllocateAligned(size, alignment, hint uintptr) (uintptr, error)
	// ReserveAligned reserves address space without backing it. The range
	// must be committed before use.
	ReserveAligned(size, alignment, hint uintptr) (uintptr, error)
	// Release returns a reserved range to the operating system.
	Release(addr, size uintptr) error
	// Commit makes part of a reservation usable. Committed memory reads as
	// zero.
	Commit(addr, size uintptr) error
	// Uncommit discards the contents of a committed range and makes it
	// inaccessible again.
	Uncommit(addr, size uintptr) error
	// Free unmaps memory returned by Allocate or AllocateAligned.
	Free(addr, size uintptr) error
	Protect(addr, size uintptr, mode ProtectMode) error
	Advise(addr, size uintptr, advice Advice) error
	// Name labels a mapping for diagnostic tools. It is best effort.
	Name(addr, size uintptr, label string)
}

// Config holds the knobs of a System. The zero value is a plain operating
// system source.
type Config struct {
	// PageSize overrides the page size reported to callers. It must be a
	// multiple of the real page size. Tests use it to emulate large-page
	// systems.
	PageSize uintptr

	// AllocLimit caps the total number of bytes mapped through the source.
	// Requests past the cap fail with oom.TestVMLimitReached. Zero means no
	// cap.
	AllocLimit uintptr

	// InjectFault is called before every mapping request. A non-nil result
	// fails the request with that error.
	InjectFault func(op string, size uintptr) error

	Logger *slog.Logger
}

// System is a Source backed by the operating system.
type System struct {
	pageSize     uintptr
	realPageSize uintptr
	injectFault  func(op string, size uintptr) error
	unmapRange   func(addr, size uintptr) error
	log          *slog.Logger

	limited bool
	mu      gcsync.Mutex // protects limit
	limit   uintptr
}

var _ Source = (*System)(nil)

// New returns a System configured by cfg.
func New(cfg Config) *System {
	s := &System{
		realPageSize: realPageSize(),
		injectFault:  cfg.InjectFault,
		unmapRange:   unmap,
		log:          cfg.Logger,
		limited:      cfg.AllocLimit != 0,
		limit:        cfg.AllocLimit,
	}
	s.pageSize = s.realPageSize
	if cfg.PageSize != 0 {
		if cfg.PageSize%s.realPageSize != 0 {
			gcassert.Fail("vm: page size override is not a multiple of the real page size")
		}
		s.pageSize = cfg.PageSize
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

func (s *System) PageSize() uintptr {
	return s.pageSize
}

// Limit returns the number of bytes that may still be mapped, and false if
// there is no limit.
func (s *System) Limit() (uintptr, bool) {
	if !s.limited {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit, true
}

func (s *System) checkRange(op string, addr, size uintptr) {
	if gcassert.Enabled && (size == 0 || size%s.pageSize != 0 || addr%s.pageSize != 0) {
		gcassert.Fail("vm: " + op + " of a range that is not page aligned")
	}
}

func (s *System) checkAlignment(alignment uintptr) {
	if gcassert.Enabled && (alignment == 0 || alignment&(alignment-1) != 0 || alignment%s.pageSize != 0) {
		gcassert.Fail("vm: alignment is not a power of two multiple of the page size")
	}
}

func (s *System) fault(op string, size uintptr) error {
	if s.injectFault == nil {
		return nil
	}
	if err := s.injectFault(op, size); err != nil {
		return errors.Wrapf(err, "vm: %s of %d bytes", op, size)
	}
	return nil
}

// mmap maps a fresh range, charging it against the test limit.
func (s *System) mmap(hint, size uintptr, reserve bool) (uintptr, error) {
	if s.limited {
		s.mu.Lock()
		if size > s.limit {
			s.mu.Unlock()
			return 0, oom.New(oom.TestVMLimitReached, size)
		}
		s.limit -= size
		s.mu.Unlock()
	}
	addr, err := mapAnon(hint, size, reserve)
	if err != nil {
		s.credit(size)
		return 0, oom.Wrap(oom.SystemAllocFailed, size, err)
	}
	return addr, nil
}

// munmap unmaps a range and credits it back to the test limit.
func (s *System) munmap(addr, size uintptr) error {
	if err := s.unmapRange(addr, size); err != nil {
		return errors.Wrapf(err, "vm: unmap %#x+%d", addr, size)
	}
	s.credit(size)
	return nil
}

func (s *System) credit(size uintptr) {
	if s.limited {
		s.mu.Lock()
		s.limit += size
		s.mu.Unlock()
	}
}

func (s *System) Allocate(size, hint uintptr) (uintptr, error) {
	s.checkRange("allocate", 0, size)
	if err := s.fault("allocate", size); err != nil {
		return 0, err
	}
	addr, err := s.mmap(hint, size, false)
	if err != nil {
		return 0, err
	}
	s.log.Debug("vm: allocate", "addr", addr, "size", size)
	return addr, nil
}

func (s *System) AllocateAligned(size, alignment, hint uintptr) (uintptr, error) {
	s.checkRange("allocate", 0, size)
	s.checkAlignment(alignment)
	if err := s.fault("allocate-aligned", size); err != nil {
		return 0, err
	}
	return s.mmapAligned(size, alignment, hint, false)
}

func (s *System) ReserveAligned(size, alignment, hint uintptr) (uintptr, error) {
	s.checkRange("reserve", 0, size)
	s.checkAlignment(alignment)
	if err := s.fault("reserve-aligned", size); err != nil {
		return 0, err
	}
	return s.mmapAligned(size, alignment, hint, true)
}

// mmapAligned first maps exactly size bytes and keeps them if they happen to
// be aligned. Otherwise it maps enough to contain an aligned range and
// returns the head and tail to the operating system.
func (s *System) mmapAligned(size, alignment, hint uintptr, reserve bool) (uintptr, error) {
	addr, err := s.mmap(hint, size, reserve)
	if err != nil {
		return 0, err
	}
	if addr&(alignment-1) == 0 {
		s.log.Debug("vm: aligned on first attempt", "addr", addr, "size", size, "reserve", reserve)
		return addr, nil
	}
	if err := s.munmap(addr, size); err != nil {
		return 0, err
	}

	excess := size + alignment - s.realPageSize
	raw, err := s.mmap(hint, excess, reserve)
	if err != nil {
		return 0, err
	}
	aligned := (raw + alignment - 1) &^ (alignment - 1)
	if head := aligned - raw; head != 0 {
		if err := s.munmap(raw, head); err != nil {
			// The head stays mapped; give back everything above it.
			s.munmap(aligned, raw+excess-aligned)
			return 0, err
		}
	}
	if tail := raw + excess - (aligned + size); tail != 0 {
		if err := s.munmap(aligned+size, tail); err != nil {
			s.munmap(aligned, size)
			return 0, err
		}
	}
	s.log.Debug("vm: aligned after trimming", "addr", aligned, "size", size, "reserve", reserve)
	return aligned, nil
}

func (s *System) Release(addr, size uintptr) error {
	s.checkRange("release", addr, size)
	return s.munmap(addr, size)
}

func (s *System) Free(addr, size uintptr) error {
	s.checkRange("free", addr, size)
	return s.munmap(addr, size)
}

func (s *System) Commit(addr, size uintptr) error {
	s.checkRange("commit", addr, size)
	if err := mapFixed(addr, size, false); err != nil {
		return oom.Wrap(oom.SystemAllocFailed, size, err)
	}
	return nil
}

func (s *System) Uncommit(addr, size uintptr) error {
	s.checkRange("uncommit", addr, size)
	if err := mapFixed(addr, size, true); err != nil {
		return errors.Wrapf(err, "vm: uncommit %#x+%d", addr, size)
	}
	return nil
}

func (s *System) Protect(addr, size uintptr, mode ProtectMode) error {
	s.checkRange("protect", addr, size)
	if err := protect(addr, size, mode); err != nil {
		return errors.Wrapf(err, "vm: protect %#x+%d %s", addr, size, mode)
	}
	return nil
}

func (s *System) Advise(addr, size uintptr, advice Advice) error {
	s.checkRange("advise", addr, size)
	if err := advise(addr, size, advice); err != nil {
		return errors.Wrapf(err, "vm: advise %#x+%d", addr, size)
	}
	return nil
}

func (s *System) Name(addr, size uintptr, label string) {
	if err := setName(addr, size, label); err != nil {
		s.log.Debug("vm: naming mapping failed", "addr", addr, "label", label, "err", err)
	}
}
