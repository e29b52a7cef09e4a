package heap

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/tinygo-org/gcheap/oom"
	"github.com/tinygo-org/gcheap/segment"
	"github.com/tinygo-org/gcheap/storage"
)

func newHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	if cfg.Provider == nil {
		cfg.Provider = storage.NewMallocProvider(nil)
	}
	h := New(cfg)
	t.Cleanup(h.Release)
	return h
}

func TestAlloc(t *testing.T) {
	h := newHeap(t, Config{})
	const size = 100000
	var ptrs []uintptr
	for i := 0; i < 100; i++ {
		p, err := h.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc %d returned %v", i, err)
		}
		ptrs = append(ptrs, p)
	}
	segs := h.Segments()
	perSegment := int(segment.MaxSize / size)
	wantSegs := (100 + perSegment - 1) / perSegment
	if len(segs) != wantSegs {
		t.Errorf("heap has %d segments, want %d", len(segs), wantSegs)
	}
	for _, p := range ptrs {
		seg := h.SegmentFor(p)
		if seg == nil || !seg.Contains(p) || !seg.Contains(p+size-1) {
			t.Errorf("object %#x is not inside its segment", p)
		}
	}

	var m MemStats
	h.ReadMemStats(&m)
	if m.Mallocs != 100 || m.TotalAlloc != 100*size {
		t.Errorf("ReadMemStats reported %d mallocs and %d bytes, want 100 and %d", m.Mallocs, m.TotalAlloc, 100*size)
	}
	if m.HeapAlloc != 100*size {
		t.Errorf("HeapAlloc is %d, want %d", m.HeapAlloc, 100*size)
	}
	if m.HeapSys != uint64(wantSegs)*uint64(storage.Size) || m.Provider.Live() != uint64(wantSegs) {
		t.Errorf("HeapSys is %d with %d live segments, want %d segments", m.HeapSys, m.Provider.Live(), wantSegs)
	}
}

func TestSuperSegmentAlloc(t *testing.T) {
	h := newHeap(t, Config{})
	_, err := h.Alloc(segment.MaxSize + 1)
	if !errors.Is(err, oom.ErrSuperSegmentAlloc) {
		t.Errorf("Alloc larger than a segment returned %v, want SuperSegmentAlloc", err)
	}
	if _, err := h.Alloc(segment.MaxSize); err != nil {
		t.Errorf("Alloc of exactly MaxSize returned %v", err)
	}
}

func TestMaxHeapReached(t *testing.T) {
	h := newHeap(t, Config{MaxHeapSize: 2 * storage.Size})
	for i := 0; i < 2; i++ {
		if _, err := h.Alloc(segment.MaxSize); err != nil {
			t.Fatalf("Alloc %d returned %v", i, err)
		}
	}
	_, err := h.Alloc(8)
	if kind, ok := oom.KindOf(err); !ok || kind != oom.MaxHeapReached {
		t.Errorf("Alloc past the heap ceiling returned %v, want MaxHeapReached", err)
	}
}

func TestProviderLimit(t *testing.T) {
	p := storage.NewLimitedProvider(storage.NewMallocProvider(nil), storage.Size)
	h := newHeap(t, Config{Provider: p})
	h.Alloc(segment.MaxSize)
	_, err := h.Alloc(8)
	if !errors.Is(err, oom.ErrMaxStorageReached) {
		t.Errorf("Alloc past the provider limit returned %v, want MaxStorageReached", err)
	}
}

func TestEffective(t *testing.T) {
	h := newHeap(t, Config{IneffectiveLimit: 3, MinFreedFraction: 0.1})
	h.Alloc(1000)
	for i := 0; i < 2; i++ {
		if err := h.ReportCollection(0); err != nil {
			t.Fatalf("ReportCollection %d returned %v", i, err)
		}
	}
	if err := h.ReportCollection(storage.Size); err != nil {
		t.Fatalf("effective ReportCollection returned %v", err)
	}
	for i := 0; i < 2; i++ {
		h.ReportCollection(0)
	}
	if err := h.ReportCollection(0); !errors.Is(err, oom.ErrEffective) {
		t.Errorf("third ineffective collection returned %v, want Effective", err)
	}
}

func TestBarriersAndMarks(t *testing.T) {
	h := newHeap(t, Config{})
	a, _ := h.Alloc(64)
	b, _ := h.Alloc(4096)
	h.WriteBarrier(a + 8)
	h.WriteBarrierRange(b, b+4096)
	seg := h.SegmentFor(a)
	if got := seg.CardTable().CountDirty(); got < 9 {
		t.Errorf("%d cards dirty, want at least 9", got)
	}
	h.ClearCards()
	if got := seg.CardTable().CountDirty(); got != 0 {
		t.Errorf("%d cards dirty after ClearCards, want 0", got)
	}
	h.WriteBarrierRange(b+100, b+100)
	if got := seg.CardTable().CountDirty(); got != 0 {
		t.Errorf("empty WriteBarrierRange dirtied %d cards, want 0", got)
	}

	if h.Mark(b) {
		t.Error("first Mark reported the object as already marked")
	}
	if !h.Mark(b) || !h.IsMarked(b) {
		t.Error("second Mark did not see the mark")
	}
	if h.IsMarked(a) {
		t.Error("unmarked object reports marked")
	}
	h.Mark(a)
	h.Unmark(b)
	if h.IsMarked(b) || !h.IsMarked(a) {
		t.Errorf("after Unmark(b) IsMarked returned %v for a and %v for b, want true and false", h.IsMarked(a), h.IsMarked(b))
	}
	h.Mark(b)
	h.ClearMarkBits()
	if h.IsMarked(b) {
		t.Error("object still marked after ClearMarkBits")
	}
}

func TestMemStatsJSON(t *testing.T) {
	h := newHeap(t, Config{})
	h.Alloc(100)
	var m MemStats
	h.ReadMemStats(&m)
	w := jwriter.NewWriter()
	obj := w.Object()
	m.WriteJSON(&obj)
	obj.End()
	var decoded struct {
		Mallocs  int `json:"mallocs"`
		Provider struct {
			Live int `json:"numLiveAllocs"`
		} `json:"provider"`
	}
	if err := json.Unmarshal(w.Bytes(), &decoded); err != nil {
		t.Fatalf("WriteJSON produced invalid JSON %s: %v", w.Bytes(), err)
	}
	if decoded.Mallocs != 1 || decoded.Provider.Live != 1 {
		t.Errorf("WriteJSON wrote %s, want 1 malloc and 1 live segment", w.Bytes())
	}
}
