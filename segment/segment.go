// Package segment implements the heap segment: one aligned storage region
// holding its own mark bits and card table, followed by a guard page and the
// allocation region.
//
// Layout of a segment, from its low limit:
//
//	mark bits | card table | padding | guard page | allocation region
//
// The metadata sits at fixed offsets, so the mark bits and card table for any
// heap address are found by masking the address (see CardTableCovering).
package segment

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/cardtable"
	"github.com/tinygo-org/gcheap/heapalign"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/markbits"
	"github.com/tinygo-org/gcheap/storage"
	"github.com/tinygo-org/gcheap/vm"
)

type contents struct {
	markBits  markbits.MarkBitArray
	cardTable cardtable.CardTable
}

const (
	// The guard page is only protected when the real page size matches.
	expectedPageSize = 4096
	guardPageSize    = expectedPageSize

	metadataSize    = unsafe.Sizeof(contents{})
	guardPageOffset = (metadataSize + expectedPageSize - 1) &^ (expectedPageSize - 1)

	// OffsetOfAllocRegion is the offset of the allocation region from the
	// segment's low limit.
	OffsetOfAllocRegion = guardPageOffset + guardPageSize

	// MaxSize is the largest possible allocation region.
	MaxSize = storage.Size - OffsetOfAllocRegion
)

func contentsOf(lowLim uintptr) *contents {
	return (*contents)(storage.Pointer(lowLim))
}

// CardTableCovering returns the card table of the segment containing p.
func CardTableCovering(p uintptr) *cardtable.CardTable {
	return &contentsOf(storage.Start(p)).cardTable
}

// MarkBitArrayCovering returns the mark bits of the segment containing p.
func MarkBitArrayCovering(p uintptr) *markbits.MarkBitArray {
	return &contentsOf(storage.Start(p)).markBits
}

// SetCellMarkBit marks the object starting at p.
func SetCellMarkBit(p uintptr) {
	mb := MarkBitArrayCovering(p)
	mb.Mark(mb.AddressToIndex(p))
}

// ClearCellMarkBit unmarks the object starting at p.
func ClearCellMarkBit(p uintptr) {
	mb := MarkBitArrayCovering(p)
	mb.Unmark(mb.AddressToIndex(p))
}

// GetCellMarkBit reports whether the object starting at p is marked.
func GetCellMarkBit(p uintptr) bool {
	mb := MarkBitArrayCovering(p)
	return mb.At(mb.AddressToIndex(p))
}

// SetCellHead records an object placed at cell outside of bump allocation,
// for instance from a free list.
func SetCellHead(cell, size uintptr) {
	ct := CardTableCovering(cell)
	b := ct.NextBoundary(cell)
	if b.Address() < cell+size {
		ct.UpdateBoundaries(&b, cell, cell+size)
	}
}

// Segment is a heap segment. Its allocation region spans [Start, End); the
// bytes in [Start, Level) are allocated, and allocation stops at
// EffectiveEnd, which lies below End when external memory is charged to the
// segment.
type Segment struct {
	storage      storage.AlignedStorage
	level        uintptr
	effectiveEnd uintptr
	end          uintptr

	// Next card boundary not yet crossed by a bump allocation.
	boundary cardtable.Boundary

	guardProtected bool
	summaryLevel   uintptr
	summary        uint16
	summarized     bool

	log *slog.Logger
}

// Option configures a Segment.
type Option func(*Segment)

func WithLogger(log *slog.Logger) Option {
	return func(s *Segment) {
		s.log = log
	}
}

// New builds a segment in s, taking ownership of it. The allocation region
// starts out empty; use GrowTo or GrowToLimit to make room.
func New(s storage.AlignedStorage, opts ...Option) *Segment {
	gcassert.That(s.Valid(), "segment: empty storage")
	seg := &Segment{storage: s}
	for _, opt := range opts {
		opt(seg)
	}
	if seg.log == nil {
		seg.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	start := seg.Start()
	seg.level, seg.effectiveEnd, seg.end = start, start, start
	seg.CardTable().Clear()
	seg.boundary = seg.CardTable().NextBoundary(start)
	if err := seg.ProtectGuardPage(vm.ProtectNone); err != nil {
		seg.log.Warn("segment: protecting guard page", "err", err)
	}
	return seg
}

// Release unprotects the guard page and returns the storage to its provider.
func (s *Segment) Release() {
	if !s.storage.Valid() {
		return
	}
	if err := s.ProtectGuardPage(vm.ProtectReadWrite); err != nil {
		s.log.Warn("segment: unprotecting guard page", "err", err)
	}
	s.storage.Release()
}

func (s *Segment) LowLim() uintptr {
	return s.storage.LowLim()
}

func (s *Segment) HiLim() uintptr {
	return s.storage.HiLim()
}

// Start returns the start of the allocation region.
func (s *Segment) Start() uintptr {
	return s.storage.LowLim() + OffsetOfAllocRegion
}

func (s *Segment) End() uintptr {
	return s.end
}

func (s *Segment) EffectiveEnd() uintptr {
	return s.effectiveEnd
}

func (s *Segment) Level() uintptr {
	return s.level
}

// Size returns the size of the allocation region.
func (s *Segment) Size() uintptr {
	return s.end - s.Start()
}

func (s *Segment) Used() uintptr {
	return s.level - s.Start()
}

// Available returns the number of bytes that can still be allocated.
func (s *Segment) Available() uintptr {
	return s.effectiveEnd - s.level
}

// Contains reports whether p lies anywhere in the segment.
func (s *Segment) Contains(p uintptr) bool {
	return s.storage.Contains(p)
}

func (s *Segment) CardTable() *cardtable.CardTable {
	return &contentsOf(s.LowLim()).cardTable
}

func (s *Segment) MarkBits() *markbits.MarkBitArray {
	return &contentsOf(s.LowLim()).markBits
}

// Alloc bump-allocates size bytes, rounded up to HeapAlign, and records the
// object in the card table's boundary bytes. It returns false when the
// segment has no room.
func (s *Segment) Alloc(size uintptr) (uintptr, bool) {
	size = heapalign.AlignSize(size)
	if gcassert.Enabled && size == 0 {
		gcassert.Fail("segment: zero-sized allocation")
	}
	if size > s.Available() {
		return 0, false
	}
	cell := s.level
	s.level += size
	if s.level > s.boundary.Address() {
		s.CardTable().UpdateBoundaries(&s.boundary, cell, s.level)
	}
	return cell, true
}

// FirstCellHead returns the start of the object crossing into card index.
func (s *Segment) FirstCellHead(index int) uintptr {
	return s.CardTable().FirstObjForCard(index)
}

func (s *Segment) pageSize() uintptr {
	return s.storage.PageSize()
}

// adjustSize rounds size up to the page size, without passing MaxSize.
func (s *Segment) adjustSize(size uintptr) uintptr {
	ps := s.pageSize()
	size = (size + ps - 1) &^ (ps - 1)
	if size > MaxSize {
		size = MaxSize
	}
	return size
}

// markUnused advises the pages fully inside [from, to).
func (s *Segment) markUnused(from, to uintptr) {
	ps := s.pageSize()
	from = (from + ps - 1) &^ (ps - 1)
	to &^= ps - 1
	if from < to {
		s.storage.MarkUnused(from, to)
	}
}

// GrowTo extends the allocation region to desired bytes, rounded up to the
// page size. It returns false if that exceeds MaxSize.
func (s *Segment) GrowTo(desired uintptr) bool {
	if desired > MaxSize {
		return false
	}
	desired = s.adjustSize(desired)
	if desired <= s.Size() {
		return true
	}
	delta := s.Start() + desired - s.end
	s.end += delta
	s.effectiveEnd += delta
	s.log.Debug("segment: grow", "lowLim", s.LowLim(), "size", desired)
	return true
}

// ShrinkTo reduces the allocation region to desired bytes and returns the
// freed pages to the operating system. Allocated bytes must fit.
func (s *Segment) ShrinkTo(desired uintptr) {
	desired = s.adjustSize(desired)
	if gcassert.Enabled && (desired < s.Used() || desired > s.Size()) {
		gcassert.Fail("segment: shrinking below the level or above the size")
	}
	newEnd := s.Start() + desired
	s.markUnused(newEnd, s.end)
	s.end = newEnd
	if s.effectiveEnd > s.end {
		s.effectiveEnd = s.end
	}
	s.log.Debug("segment: shrink", "lowLim", s.LowLim(), "size", desired)
}

// GrowToFit grows the region so that amount more bytes can be allocated.
func (s *Segment) GrowToFit(amount uintptr) bool {
	if amount <= s.Available() {
		return true
	}
	unavailable := s.end - s.effectiveEnd
	return s.GrowTo(s.Used() + amount + unavailable)
}

// GrowToLimit grows the region to MaxSize.
func (s *Segment) GrowToLimit() {
	s.GrowTo(MaxSize)
}

// SetLevel moves the allocation level, typically downwards after a
// compaction. With adviseUnused, pages between the new and old level are
// returned to the operating system.
func (s *Segment) SetLevel(level uintptr, adviseUnused bool) {
	if gcassert.Enabled && (level < s.Start() || level > s.end || !heapalign.IsAligned(level)) {
		gcassert.Fail("segment: level outside the allocation region")
	}
	if adviseUnused && level < s.level {
		s.markUnused(level, s.level)
	}
	s.level = level
	s.boundary = s.CardTable().NextBoundary(level)
	s.summarized = false
}

// ResetLevel empties the allocation region.
func (s *Segment) ResetLevel(adviseUnused bool) {
	s.SetLevel(s.Start(), adviseUnused)
}

// CreditExternalMemory charges size bytes of memory held outside the heap to
// this segment, lowering EffectiveEnd. It returns false if the segment does
// not have that much room left.
func (s *Segment) CreditExternalMemory(size uintptr) bool {
	size = heapalign.AlignSize(size)
	if size > s.Available() {
		return false
	}
	s.effectiveEnd -= size
	return true
}

// DebitExternalMemory undoes CreditExternalMemory.
func (s *Segment) DebitExternalMemory(size uintptr) {
	size = heapalign.AlignSize(size)
	if size > s.end-s.effectiveEnd {
		size = s.end - s.effectiveEnd
	}
	s.effectiveEnd += size
}

// ExternalMemory returns the number of bytes charged by
// CreditExternalMemory.
func (s *Segment) ExternalMemory() uintptr {
	return s.end - s.effectiveEnd
}

// SetEffectiveEnd sets the allocation limit directly.
func (s *Segment) SetEffectiveEnd(effectiveEnd uintptr) {
	if gcassert.Enabled && (effectiveEnd < s.level || effectiveEnd > s.end) {
		gcassert.Fail("segment: effective end outside [level, end]")
	}
	s.effectiveEnd = effectiveEnd
}

// ClearExternalMemoryCharge drops all external memory charges.
func (s *Segment) ClearExternalMemoryCharge() {
	s.SetEffectiveEnd(s.end)
}

// DirtyCardRuns calls fn for every maximal run of dirty cards below the
// level. begin and end bound the run, clipped to the level, and firstObj is
// the object crossing into its first card.
func (s *Segment) DirtyCardRuns(fn func(firstObj, begin, end uintptr)) {
	if s.level == s.Start() {
		return
	}
	ct := s.CardTable()
	from := ct.AddressToIndex(s.Start())
	to := ct.AddressToIndex(s.level-1) + 1
	for from < to {
		i, ok := ct.FindNextDirtyCard(from, to)
		if !ok {
			return
		}
		j, ok := ct.FindNextCleanCard(i, to)
		if !ok {
			j = to
		}
		end := ct.IndexToAddress(j)
		if end > s.level {
			end = s.level
		}
		fn(ct.FirstObjForCard(i), ct.IndexToAddress(i), end)
		from = j
	}
}

// ProtectGuardPage changes the access mode of the guard page between the
// metadata and the allocation region. It does nothing unless the page size
// is 4096 bytes.
func (s *Segment) ProtectGuardPage(mode vm.ProtectMode) error {
	if s.pageSize() != expectedPageSize {
		return nil
	}
	protect := mode == vm.ProtectNone
	if protect == s.guardProtected {
		return nil
	}
	guard := s.LowLim() + guardPageOffset
	if err := s.storage.Protect(guard, guard+guardPageSize, mode); err != nil {
		return err
	}
	s.guardProtected = protect
	return nil
}

// VerifyBoundaries checks the boundary bytes of every card crossed by the
// allocated objects. next returns the end of the object starting at its
// argument.
func (s *Segment) VerifyBoundaries(next func(obj uintptr) uintptr) error {
	return s.CardTable().VerifyBoundaries(s.Start(), s.level, next)
}

// SummarizeCardTableBoundaries records a checksum of the boundary bytes
// written so far.
func (s *Segment) SummarizeCardTableBoundaries() {
	s.summaryLevel = s.level
	s.summary = s.CardTable().SummarizeBoundaries(s.Start(), s.level)
	s.summarized = true
}

// CheckSummarizedCardTableBoundaries compares the boundary bytes against the
// last summary.
func (s *Segment) CheckSummarizedCardTableBoundaries() error {
	if !s.summarized {
		return nil
	}
	if got := s.CardTable().SummarizeBoundaries(s.Start(), s.summaryLevel); got != s.summary {
		return errors.AssertionFailedf("segment %#x: card boundaries changed (checksum %#04x, want %#04x)", s.LowLim(), got, s.summary)
	}
	return nil
}

// WriteStats adds the segment's counters to a JSON object.
func (s *Segment) WriteStats(obj *jwriter.ObjectState) {
	obj.Name("lowLim").String(fmt.Sprintf("%#x", s.LowLim()))
	obj.Name("size").Int(int(s.Size()))
	obj.Name("used").Int(int(s.Used()))
	obj.Name("available").Int(int(s.Available()))
	obj.Name("externalMemory").Int(int(s.ExternalMemory()))
	obj.Name("dirtyCards").Int(s.CardTable().CountDirty())
	obj.Name("markedBits").Int(s.MarkBits().CountMarked())
}
