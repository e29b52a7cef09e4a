package storage

import (
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/vm"
)

// AllocSource selects where a BackingStorage gets its memory.
type AllocSource int

const (
	SourceVM AllocSource = iota
	SourceMalloc
)

func (s AllocSource) String() string {
	if s == SourceMalloc {
		return "malloc"
	}
	return "vm"
}

// BackingConfig describes a BackingStorage request.
type BackingConfig struct {
	Source AllocSource
	VM     vm.Source // required for SourceVM

	// Desired is the size to try first. On failure the request shrinks by a
	// quarter at a time, but never below Minimum. Both are rounded up to the
	// page size.
	Desired, Minimum uintptr

	Name   string
	Logger *slog.Logger
}

// BackingStorage is a page-aligned region of any size. Unlike
// AlignedStorage it is not aligned to its size, so it does not support
// address masking.
type BackingStorage struct {
	source   AllocSource
	vm       vm.Source
	original uintptr // start of the underlying allocation
	lowLim   uintptr // page-aligned usable start
	size     uintptr
	buf      []byte // keeps SourceMalloc memory alive
}

// NewBackingStorage allocates a region according to cfg.
func NewBackingStorage(cfg BackingConfig) (BackingStorage, error) {
	log := orDiscard(cfg.Logger)
	if cfg.Source == SourceMalloc {
		ps := uintptr(os.Getpagesize())
		size := alignUp(cfg.Desired, ps)
		if size == 0 {
			return BackingStorage{}, errors.New("storage: empty backing storage request")
		}
		buf := make([]byte, size+ps)
		original := uintptr(unsafe.Pointer(&buf[0]))
		b := BackingStorage{
			source:   SourceMalloc,
			original: original,
			lowLim:   alignUp(original, ps),
			size:     size,
			buf:      buf,
		}
		log.Debug("storage: backing storage", "source", b.source, "addr", b.lowLim, "size", size)
		return b, nil
	}

	if cfg.VM == nil {
		return BackingStorage{}, errors.New("storage: vm backing storage without a vm source")
	}
	ps := cfg.VM.PageSize()
	desired := alignUp(cfg.Desired, ps)
	minimum := alignUp(cfg.Minimum, ps)
	if minimum == 0 {
		minimum = ps
	}
	if desired < minimum {
		desired = minimum
	}
	size := desired
	for {
		addr, err := cfg.VM.Allocate(size, 0)
		if err == nil {
			cfg.VM.Name(addr, size, labelOr(cfg.Name))
			log.Debug("storage: backing storage", "source", SourceVM, "addr", addr, "size", size, "desired", desired)
			return BackingStorage{source: SourceVM, vm: cfg.VM, original: addr, lowLim: addr, size: size}, nil
		}
		if size == minimum {
			return BackingStorage{}, errors.Wrapf(err, "storage: backing storage of %d to %d bytes", minimum, desired)
		}
		next := alignUp(size-size/4, ps)
		if next >= size {
			next = size - ps
		}
		if next < minimum {
			next = minimum
		}
		log.Debug("storage: backing storage retry", "failed", size, "next", next, "err", err)
		size = next
	}
}

func (b *BackingStorage) Valid() bool {
	return b.size != 0
}

func (b *BackingStorage) Source() AllocSource {
	return b.source
}

// Original returns the start of the underlying allocation, which may lie
// before LowLim.
func (b *BackingStorage) Original() uintptr {
	return b.original
}

func (b *BackingStorage) LowLim() uintptr {
	return b.lowLim
}

func (b *BackingStorage) HiLim() uintptr {
	return b.lowLim + b.size
}

func (b *BackingStorage) Size() uintptr {
	return b.size
}

func (b *BackingStorage) Contains(p uintptr) bool {
	return p >= b.lowLim && p < b.HiLim()
}

// Swap exchanges the regions owned by b and other.
func (b *BackingStorage) Swap(other *BackingStorage) {
	*b, *other = *other, *b
}

// Take moves the region out of b, leaving b empty.
func (b *BackingStorage) Take() BackingStorage {
	t := *b
	*b = BackingStorage{}
	return t
}

// Release frees the region the way it was allocated.
func (b *BackingStorage) Release() {
	switch {
	case !b.Valid():
		return
	case b.source == SourceVM:
		if err := b.vm.Free(b.lowLim, b.size); err != nil {
			gcassert.Fail("storage: freeing backing storage: " + err.Error())
		}
	case b.source == SourceMalloc:
		b.buf = nil
	}
	*b = BackingStorage{}
}
