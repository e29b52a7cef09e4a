package storage

import (
	"os"

	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/vm"
)

// AlignedStorage is one segment, exclusively owned. Ownership moves with
// Take; a plain copy must not outlive the original. The zero value owns
// nothing.
type AlignedStorage struct {
	lowLim   uintptr
	provider Provider
}

// Create obtains a segment from p. An empty name uses DefaultName.
func Create(p Provider, name string) (AlignedStorage, error) {
	lowLim, err := p.NewStorage(labelOr(name))
	if err != nil {
		return AlignedStorage{}, err
	}
	gcassert.That(lowLim != 0 && Start(lowLim) == lowLim, "storage: provider returned a misaligned segment")
	return AlignedStorage{lowLim: lowLim, provider: p}, nil
}

// Valid reports whether s owns a segment.
func (s *AlignedStorage) Valid() bool {
	return s.provider != nil
}

func (s *AlignedStorage) LowLim() uintptr {
	return s.lowLim
}

func (s *AlignedStorage) HiLim() uintptr {
	return s.lowLim + Size
}

// Contains reports whether p lies inside the segment.
func (s *AlignedStorage) Contains(p uintptr) bool {
	return s.Valid() && Start(p) == s.lowLim
}

// Provider returns the provider the segment will be returned to.
func (s *AlignedStorage) Provider() Provider {
	return s.provider
}

// PageSize returns the page size of the memory backing the segment.
func (s *AlignedStorage) PageSize() uintptr {
	return pageSizeOf(s.provider)
}

func (s *AlignedStorage) checkRange(from, to uintptr) {
	ps := s.PageSize()
	if gcassert.Enabled && (from%ps != 0 || to%ps != 0 || from > to || from < s.lowLim || to > s.HiLim()) {
		gcassert.Fail("storage: range is not page aligned or not inside the segment")
	}
}

// MarkUnused tells the operating system that [from, to) is not needed right
// now. Both ends must be page aligned. Memory from the malloc provider is
// left alone.
func (s *AlignedStorage) MarkUnused(from, to uintptr) {
	s.checkRange(from, to)
	if from == to {
		return
	}
	if a, ok := s.provider.(Advisor); ok {
		a.MarkUnused(from, to-from)
	}
}

// Protect changes the access mode of [from, to) when the provider supports
// it.
func (s *AlignedStorage) Protect(from, to uintptr, mode vm.ProtectMode) error {
	s.checkRange(from, to)
	if from == to {
		return nil
	}
	if a, ok := s.provider.(Advisor); ok {
		return a.Protect(from, to-from, mode)
	}
	return nil
}

// Take moves the segment out of s, leaving s empty.
func (s *AlignedStorage) Take() AlignedStorage {
	t := *s
	*s = AlignedStorage{}
	return t
}

// Release returns the segment to its provider. Releasing an empty
// AlignedStorage does nothing.
func (s *AlignedStorage) Release() {
	if s.provider == nil {
		return
	}
	s.provider.DeleteStorage(s.lowLim)
	*s = AlignedStorage{}
}

func pageSizeOf(p Provider) uintptr {
	if a, ok := p.(Advisor); ok {
		return a.PageSize()
	}
	return uintptr(os.Getpagesize())
}
