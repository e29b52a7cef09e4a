package storage

import (
	"unsafe"

	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/internal/gcassert"
)

// MallocProvider carves segments out of Go heap allocations of twice the
// segment size. It works on every platform and needs no virtual memory
// support, at the cost of wasting up to half of each allocation.
//
// The memory is a []byte, so the Go collector never scans it. Segments must
// not hold the only reference to Go-allocated objects.
type MallocProvider struct {
	counters
	log *slog.Logger

	mu     gcsync.Mutex
	allocs map[uintptr][]byte // aligned start -> backing allocation
}

func NewMallocProvider(log *slog.Logger) *MallocProvider {
	return &MallocProvider{
		log:    orDiscard(log),
		allocs: make(map[uintptr][]byte),
	}
}

func (p *MallocProvider) NewStorage(name string) (uintptr, error) {
	buf := make([]byte, 2*Size)
	lowLim := alignUp(uintptr(unsafe.Pointer(&buf[0])), Size)
	p.mu.Lock()
	p.allocs[lowLim] = buf
	p.mu.Unlock()
	p.recordAlloc(nil)
	p.log.Debug("storage: new segment", "provider", "malloc", "addr", lowLim, "name", labelOr(name))
	return lowLim, nil
}

func (p *MallocProvider) DeleteStorage(lowLim uintptr) {
	if lowLim == 0 {
		return
	}
	p.mu.Lock()
	_, ok := p.allocs[lowLim]
	delete(p.allocs, lowLim)
	p.mu.Unlock()
	gcassert.That(ok, "storage: deleting a segment the malloc provider does not own")
	p.recordDelete()
	p.log.Debug("storage: deleted segment", "provider", "malloc", "addr", lowLim)
}
