// Package storage hands out heap segments: fixed-size regions of Size bytes
// whose start address is a multiple of Size.
//
// Because every segment is aligned to its own size, the segment owning any
// address is found by masking the address. No lookup table is needed.
package storage

import (
	"io"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/vm"
)

const (
	// LogSize is log2 of Size.
	LogSize = 22
	// Size is the size and alignment of every segment.
	Size uintptr = 1 << LogSize
)

// Names used to label mappings for diagnostic tools.
const (
	DefaultName = "gcheap-segment"
	FreeName    = "gcheap-free"
	PoolName    = "gcheap-pool"
)

// Start returns the start of the segment that would contain p.
func Start(p uintptr) uintptr {
	return p &^ (Size - 1)
}

// End returns the end of the segment that would contain p.
func End(p uintptr) uintptr {
	return Start(p) + Size
}

// Offset returns the offset of p within its segment.
func Offset(p uintptr) uintptr {
	return p & (Size - 1)
}

// ContainedInSame reports whether a and b lie in the same segment.
func ContainedInSame(a, b uintptr) bool {
	return a^b < Size
}

// Pointer converts an address inside a segment to a pointer. Segments from
// the malloc provider live in Go heap memory that was handed out as an
// address, so the conversion is exempt from checkptr.
//
//go:nocheckptr
func Pointer(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p)
}

// A Provider creates and deletes segments. Providers may be shared and are
// safe for concurrent use.
type Provider interface {
	// NewStorage returns the start of a fresh segment. name labels the
	// mapping and has no other effect. On failure the error is never nil.
	NewStorage(name string) (uintptr, error)
	// DeleteStorage returns a segment obtained from NewStorage.
	DeleteStorage(lowLim uintptr)
	Stats() Stats
}

// An Advisor is a Provider whose memory comes from a vm.Source and can
// therefore be advised and protected.
type Advisor interface {
	PageSize() uintptr
	MarkUnused(addr, size uintptr)
	Protect(addr, size uintptr, mode vm.ProtectMode) error
}

// Stats counts the work done by a provider.
type Stats struct {
	Succeeded uint64 // successful NewStorage calls
	Failed    uint64 // failed NewStorage calls
	Deleted   uint64 // DeleteStorage calls
}

// Live returns the number of segments currently handed out.
func (s Stats) Live() uint64 {
	return s.Succeeded - s.Deleted
}

// WriteJSON adds the counters to a JSON object.
func (s Stats) WriteJSON(obj *jwriter.ObjectState) {
	obj.Name("numSucceededAllocs").Int(int(s.Succeeded))
	obj.Name("numFailedAllocs").Int(int(s.Failed))
	obj.Name("numDeletedAllocs").Int(int(s.Deleted))
	obj.Name("numLiveAllocs").Int(int(s.Live()))
}

type counters struct {
	statsMu gcsync.Mutex
	stats   Stats
}

func (c *counters) recordAlloc(err error) {
	c.statsMu.Lock()
	if err == nil {
		c.stats.Succeeded++
	} else {
		c.stats.Failed++
	}
	c.statsMu.Unlock()
}

func (c *counters) recordDelete() {
	c.statsMu.Lock()
	c.stats.Deleted++
	c.statsMu.Unlock()
}

func (c *counters) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func orDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return log
}

func labelOr(name string) string {
	if name == "" {
		return DefaultName
	}
	return name
}

func alignUp(p, align uintptr) uintptr {
	return (p + align - 1) &^ (align - 1)
}
