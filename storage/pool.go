package storage

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/oom"
	"github.com/tinygo-org/gcheap/vm"
)

// PoolProvider reserves one contiguous range up front and hands out segments
// from it. Segments are taken from a free stack when possible and otherwise
// from a high-water mark. When both are exhausted, NewStorage fails with
// oom.MaxStorageReached; the pool never falls back to fresh mappings.
type PoolProvider struct {
	counters
	src        vm.Source
	log        *slog.Logger
	start, end uintptr

	mu    gcsync.Mutex
	level uintptr   // high-water mark
	free  []uintptr // LIFO
}

// NewPoolProvider reserves maxBytes of address space, which must be a
// positive multiple of Size.
func NewPoolProvider(src vm.Source, maxBytes uintptr, log *slog.Logger) (*PoolProvider, error) {
	if maxBytes == 0 || maxBytes%Size != 0 {
		return nil, errors.Newf("storage: pool size %d is not a positive multiple of the segment size %d", maxBytes, Size)
	}
	start, err := src.ReserveAligned(maxBytes, Size, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: reserving a pool of %d bytes", maxBytes)
	}
	src.Name(start, maxBytes, PoolName)
	p := &PoolProvider{
		src:   src,
		log:   orDiscard(log),
		start: start,
		end:   start + maxBytes,
		level: start,
	}
	p.log.Debug("storage: reserved pool", "addr", start, "size", maxBytes)
	return p, nil
}

func (p *PoolProvider) NewStorage(name string) (uintptr, error) {
	p.mu.Lock()
	var addr uintptr
	if n := len(p.free); n > 0 {
		addr = p.free[n-1]
		p.free = p.free[:n-1]
	} else if p.level < p.end {
		addr = p.level
		p.level += Size
	} else {
		p.mu.Unlock()
		err := oom.New(oom.MaxStorageReached, Size)
		p.recordAlloc(err)
		return 0, err
	}
	p.mu.Unlock()

	if err := p.src.Commit(addr, Size); err != nil {
		p.mu.Lock()
		p.free = append(p.free, addr)
		p.mu.Unlock()
		p.recordAlloc(err)
		return 0, errors.Wrap(err, "storage: committing pool segment")
	}
	p.src.Name(addr, Size, labelOr(name))
	p.recordAlloc(nil)
	p.log.Debug("storage: new segment", "provider", "pool", "addr", addr)
	return addr, nil
}

func (p *PoolProvider) DeleteStorage(lowLim uintptr) {
	if lowLim == 0 {
		return
	}
	gcassert.That(p.Contains(lowLim) && Start(lowLim) == lowLim, "storage: deleting a segment outside the pool")
	p.MarkUnused(lowLim, Size)
	p.src.Name(lowLim, Size, FreeName)
	p.mu.Lock()
	p.free = append(p.free, lowLim)
	p.mu.Unlock()
	p.recordDelete()
	p.log.Debug("storage: deleted segment", "provider", "pool", "addr", lowLim)
}

// Capacity returns the number of segments the pool can hold.
func (p *PoolProvider) Capacity() int {
	return int((p.end - p.start) / Size)
}

// Contains reports whether addr lies in the reserved range.
func (p *PoolProvider) Contains(addr uintptr) bool {
	return addr >= p.start && addr < p.end
}

// Close releases the reservation. All segments must have been deleted.
func (p *PoolProvider) Close() error {
	gcassert.That(p.Stats().Live() == 0, "storage: closing a pool with live segments")
	return p.src.Release(p.start, p.end-p.start)
}

func (p *PoolProvider) PageSize() uintptr {
	return p.src.PageSize()
}

func (p *PoolProvider) MarkUnused(addr, size uintptr) {
	if err := p.src.Advise(addr, size, vm.AdviceUnused); err != nil {
		p.log.Debug("storage: advise unused failed", "addr", addr, "size", size, "err", err)
	}
}

func (p *PoolProvider) Protect(addr, size uintptr, mode vm.ProtectMode) error {
	return p.src.Protect(addr, size, mode)
}
