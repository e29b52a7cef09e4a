package storage

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/vm"
)

// DirectProvider maps every segment separately from a vm.Source.
type DirectProvider struct {
	counters
	src vm.Source
	log *slog.Logger
}

func NewDirectProvider(src vm.Source, log *slog.Logger) *DirectProvider {
	return &DirectProvider{src: src, log: orDiscard(log)}
}

func (p *DirectProvider) NewStorage(name string) (uintptr, error) {
	addr, err := p.src.AllocateAligned(Size, Size, 0)
	p.recordAlloc(err)
	if err != nil {
		return 0, errors.Wrap(err, "storage: direct segment allocation")
	}
	p.src.Name(addr, Size, labelOr(name))
	p.log.Debug("storage: new segment", "provider", "direct", "addr", addr)
	return addr, nil
}

func (p *DirectProvider) DeleteStorage(lowLim uintptr) {
	if lowLim == 0 {
		return
	}
	if err := p.src.Free(lowLim, Size); err != nil {
		gcassert.Fail("storage: freeing segment: " + err.Error())
	}
	p.recordDelete()
	p.log.Debug("storage: deleted segment", "provider", "direct", "addr", lowLim)
}

func (p *DirectProvider) PageSize() uintptr {
	return p.src.PageSize()
}

func (p *DirectProvider) MarkUnused(addr, size uintptr) {
	if err := p.src.Advise(addr, size, vm.AdviceUnused); err != nil {
		p.log.Debug("storage: advise unused failed", "addr", addr, "size", size, "err", err)
	}
}

func (p *DirectProvider) Protect(addr, size uintptr, mode vm.ProtectMode) error {
	return p.src.Protect(addr, size, mode)
}
