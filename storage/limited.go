package storage

import (
	"io"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/oom"
	"github.com/tinygo-org/gcheap/vm"
)

// LimitedProvider caps the number of bytes of segments that a delegate
// provider may have live at once.
type LimitedProvider struct {
	counters
	delegate Provider

	mu    gcsync.Mutex
	limit uintptr // bytes still available
}

func NewLimitedProvider(delegate Provider, limitBytes uintptr) *LimitedProvider {
	return &LimitedProvider{delegate: delegate, limit: limitBytes}
}

func (p *LimitedProvider) NewStorage(name string) (uintptr, error) {
	p.mu.Lock()
	if p.limit < Size {
		p.mu.Unlock()
		err := oom.New(oom.MaxStorageReached, Size)
		p.recordAlloc(err)
		return 0, err
	}
	p.limit -= Size
	p.mu.Unlock()

	addr, err := p.delegate.NewStorage(name)
	if err != nil {
		p.mu.Lock()
		p.limit += Size
		p.mu.Unlock()
	}
	p.recordAlloc(err)
	return addr, err
}

func (p *LimitedProvider) DeleteStorage(lowLim uintptr) {
	if lowLim == 0 {
		return
	}
	p.delegate.DeleteStorage(lowLim)
	p.mu.Lock()
	p.limit += Size
	p.mu.Unlock()
	p.recordDelete()
}

func (p *LimitedProvider) PageSize() uintptr {
	return pageSizeOf(p.delegate)
}

func (p *LimitedProvider) MarkUnused(addr, size uintptr) {
	if a, ok := p.delegate.(Advisor); ok {
		a.MarkUnused(addr, size)
	}
}

func (p *LimitedProvider) Protect(addr, size uintptr, mode vm.ProtectMode) error {
	if a, ok := p.delegate.(Advisor); ok {
		return a.Protect(addr, size, mode)
	}
	return nil
}

// Close closes the delegate if it has a Close method.
func (p *LimitedProvider) Close() error {
	if c, ok := p.delegate.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
