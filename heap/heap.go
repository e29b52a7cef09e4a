// Package heap strings segments together into a growable heap with a size
// ceiling. It is the layer a collector allocates through: it creates
// segments on demand, routes write barriers to the right card table and
// reports the out-of-memory conditions that the lower layers only detect.
//
// The heap does not decide when to collect or what is live.
package heap

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/heapalign"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/oom"
	"github.com/tinygo-org/gcheap/segment"
	"github.com/tinygo-org/gcheap/storage"
)

// Config describes a heap.
type Config struct {
	Provider storage.Provider

	// MaxHeapSize caps the bytes of segments the heap may own. Zero means no
	// cap.
	MaxHeapSize uintptr

	// Name prefixes the labels of the heap's mappings.
	Name string

	// IneffectiveLimit is the number of consecutive collections freeing less
	// than MinFreedFraction of the heap after which ReportCollection
	// returns oom.Effective. Zero disables the check.
	IneffectiveLimit int
	MinFreedFraction float64

	Logger *slog.Logger
}

// Heap is a set of segments. It is safe for concurrent use.
type Heap struct {
	provider    storage.Provider
	maxHeapSize uintptr
	name        string
	log         *slog.Logger

	ineffectiveLimit int
	minFreed         float64

	mu          gcsync.Mutex // protects everything below
	segments    []*segment.Segment
	byLowLim    map[uintptr]*segment.Segment
	mallocs     uint64 // total number of allocations
	totalAlloc  uint64 // total number of bytes allocated
	ineffective int    // consecutive ineffective collections
}

// New returns an empty heap.
func New(cfg Config) *Heap {
	gcassert.That(cfg.Provider != nil, "heap: no storage provider")
	h := &Heap{
		provider:         cfg.Provider,
		maxHeapSize:      cfg.MaxHeapSize,
		name:             cfg.Name,
		log:              cfg.Logger,
		ineffectiveLimit: cfg.IneffectiveLimit,
		minFreed:         cfg.MinFreedFraction,
		byLowLim:         make(map[uintptr]*segment.Segment),
	}
	if h.name == "" {
		h.name = "gcheap"
	}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h
}

// Alloc returns size bytes of heap memory, rounded up to HeapAlign. New
// segments are created when the last one is full.
func (h *Heap) Alloc(size uintptr) (uintptr, error) {
	size = heapalign.AlignSize(size)
	if size == 0 {
		size = heapalign.HeapAlign
	}
	if size > segment.MaxSize {
		return 0, oom.New(oom.SuperSegmentAlloc, size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.segments); n > 0 {
		if p, ok := h.segments[n-1].Alloc(size); ok {
			h.recordAlloc(size)
			return p, nil
		}
	}
	seg, err := h.createSegment()
	if err != nil {
		return 0, err
	}
	p, ok := seg.Alloc(size)
	if !ok {
		gcassert.Fail("heap: allocation does not fit a fresh segment")
	}
	h.recordAlloc(size)
	return p, nil
}

func (h *Heap) recordAlloc(size uintptr) {
	h.mallocs++
	h.totalAlloc += uint64(size)
}

// createSegment adds a segment grown to its full size.
func (h *Heap) createSegment() (*segment.Segment, error) {
	n := len(h.segments)
	if h.maxHeapSize != 0 && uintptr(n+1)*storage.Size > h.maxHeapSize {
		return nil, oom.New(oom.MaxHeapReached, storage.Size)
	}
	st, err := storage.Create(h.provider, fmt.Sprintf("%s-segment-%d", h.name, n))
	if err != nil {
		return nil, errors.Wrapf(err, "heap: creating segment %d", n)
	}
	seg := segment.New(st, segment.WithLogger(h.log))
	seg.GrowToLimit()
	h.segments = append(h.segments, seg)
	h.byLowLim[seg.LowLim()] = seg
	h.log.Debug("heap: new segment", "index", n, "lowLim", seg.LowLim())
	return seg, nil
}

// SegmentFor returns the segment containing p, or nil.
func (h *Heap) SegmentFor(p uintptr) *segment.Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byLowLim[storage.Start(p)]
}

// Segments returns the segments in creation order.
func (h *Heap) Segments() []*segment.Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*segment.Segment(nil), h.segments...)
}

// WriteBarrier dirties the card of a pointer store at p. p must be a heap
// address.
func (h *Heap) WriteBarrier(p uintptr) {
	segment.CardTableCovering(p).DirtyCardForAddress(p)
}

// WriteBarrierRange dirties the cards of a store to [low, high), which must
// lie in one segment. An empty store dirties nothing.
func (h *Heap) WriteBarrierRange(low, high uintptr) {
	if high == low {
		return
	}
	if gcassert.Enabled && (high < low || !storage.ContainedInSame(low, high-1)) {
		gcassert.Fail("heap: write barrier range spans segments")
	}
	segment.CardTableCovering(low).DirtyCardsForAddressRange(low, high)
}

// Mark sets the mark bit of the object at p and reports whether it was
// already set.
func (h *Heap) Mark(p uintptr) bool {
	if segment.GetCellMarkBit(p) {
		return true
	}
	segment.SetCellMarkBit(p)
	return false
}

// IsMarked reports whether the object at p is marked.
func (h *Heap) IsMarked(p uintptr) bool {
	return segment.GetCellMarkBit(p)
}

// Unmark clears the mark bit of the object at p, for instance when the
// object is freed.
func (h *Heap) Unmark(p uintptr) {
	segment.ClearCellMarkBit(p)
}

// ClearMarkBits clears the mark bits of every segment, ready for a new
// marking cycle.
func (h *Heap) ClearMarkBits() {
	for _, seg := range h.Segments() {
		seg.MarkBits().Clear()
	}
}

// ClearCards cleans every card of every segment.
func (h *Heap) ClearCards() {
	for _, seg := range h.Segments() {
		seg.CardTable().Clear()
	}
}

// ReportCollection tells the heap that a collection freed the given number
// of bytes. After too many collections in a row that freed too little, it
// returns oom.Effective.
func (h *Heap) ReportCollection(freed uintptr) error {
	if h.ineffectiveLimit == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	heapSize := uintptr(len(h.segments)) * storage.Size
	if heapSize != 0 && float64(freed) < h.minFreed*float64(heapSize) {
		h.ineffective++
	} else {
		h.ineffective = 0
	}
	if h.ineffective >= h.ineffectiveLimit {
		return oom.New(oom.Effective, 0)
	}
	return nil
}

// Release returns every segment to the provider.
func (h *Heap) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, seg := range h.segments {
		seg.Release()
	}
	h.segments = nil
	h.byLowLim = make(map[uintptr]*segment.Segment)
}

// Close releases every segment and then closes the provider if it holds
// resources of its own, such as a pool reservation.
func (h *Heap) Close() error {
	h.Release()
	if c, ok := h.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MemStats describes the state of a heap.
type MemStats struct {
	// Bytes of segments owned by the heap.
	HeapSys uint64
	// Bytes allocated in segments.
	HeapAlloc uint64
	// Bytes that can still be allocated without a new segment.
	HeapIdle uint64
	// Bytes of external memory charged to segments.
	External uint64

	// Total number of bytes allocated and of allocations.
	TotalAlloc uint64
	Mallocs    uint64

	NumSegments int
	MaxHeapSize uint64

	Provider storage.Stats
}

// ReadMemStats populates m with statistics about the heap.
func (h *Heap) ReadMemStats(m *MemStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*m = MemStats{
		HeapSys:     uint64(len(h.segments)) * uint64(storage.Size),
		TotalAlloc:  h.totalAlloc,
		Mallocs:     h.mallocs,
		NumSegments: len(h.segments),
		MaxHeapSize: uint64(h.maxHeapSize),
		Provider:    h.provider.Stats(),
	}
	for _, seg := range h.segments {
		m.HeapAlloc += uint64(seg.Used())
		m.HeapIdle += uint64(seg.Available())
		m.External += uint64(seg.ExternalMemory())
	}
}

// WriteJSON adds the statistics to a JSON object.
func (m *MemStats) WriteJSON(obj *jwriter.ObjectState) {
	obj.Name("heapSys").Int(int(m.HeapSys))
	obj.Name("heapAlloc").Int(int(m.HeapAlloc))
	obj.Name("heapIdle").Int(int(m.HeapIdle))
	obj.Name("external").Int(int(m.External))
	obj.Name("totalAlloc").Int(int(m.TotalAlloc))
	obj.Name("mallocs").Int(int(m.Mallocs))
	obj.Name("numSegments").Int(m.NumSegments)
	obj.Name("maxHeapSize").Int(int(m.MaxHeapSize))
	provider := obj.Name("provider").Object()
	m.Provider.WriteJSON(&provider)
	provider.End()
}
