package cardtable

import (
	"strings"
	"testing"

	"github.com/tinygo-org/gcheap/heapalign"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/storage"
)

// newTable places a card table at the start of a fresh segment. Addresses
// below the size of the table are never used by these tests as object
// locations, since only the card arithmetic matters.
func newTable(t *testing.T) (*CardTable, uintptr) {
	t.Helper()
	p := storage.NewMallocProvider(nil)
	s, err := storage.Create(p, "cardtable-test")
	if err != nil {
		t.Fatalf("Create returned %v", err)
	}
	t.Cleanup(s.Release)
	return (*CardTable)(storage.Pointer(s.LowLim())), s.LowLim()
}

func dirtyCards(ct *CardTable) []int {
	var dirty []int
	for i, ok := ct.FindNextDirtyCard(0, NumCards); ok; i, ok = ct.FindNextDirtyCard(i+1, NumCards) {
		dirty = append(dirty, i)
	}
	return dirty
}

func TestAddressIndex(t *testing.T) {
	ct, base := newTable(t)
	tests := []struct {
		addr  uintptr
		index int
	}{
		{base, 0},
		{base + CardSize - 1, 0},
		{base + CardSize, 1},
		{base + 1000, 1},
		{base + storage.Size - 1, NumCards - 1},
		{base + storage.Size, NumCards},
	}
	for _, tc := range tests {
		if got := ct.AddressToIndex(tc.addr); got != tc.index {
			t.Errorf("AddressToIndex(base+%d) returned %d, want %d", tc.addr-base, got, tc.index)
		}
	}
	if got := ct.IndexToAddress(3); got != base+3*CardSize {
		t.Errorf("IndexToAddress(3) returned base+%d, want base+%d", got-base, 3*CardSize)
	}
	b := ct.NextBoundary(base + 1000)
	if b.Index() != 2 || b.Address() != base+1024 {
		t.Errorf("NextBoundary(base+1000) returned {%d, base+%d}, want {2, base+1024}", b.Index(), b.Address()-base)
	}
	b = ct.NextBoundary(base + 1024)
	if b.Index() != 2 {
		t.Errorf("NextBoundary on a boundary returned index %d, want 2", b.Index())
	}
}

func TestDirtyIdempotence(t *testing.T) {
	ct, base := newTable(t)
	addr := base + 77*CardSize + 5
	ct.DirtyCardForAddress(addr)
	once := dirtyCards(ct)
	ct.DirtyCardForAddress(addr)
	twice := dirtyCards(ct)
	if len(once) != 1 || len(twice) != 1 || once[0] != twice[0] || once[0] != 77 {
		t.Errorf("dirtying once gave %v and twice gave %v, want [77] both times", once, twice)
	}
	if !ct.IsCardForAddressDirty(addr) || !ct.IsCardForIndexDirty(77) {
		t.Error("card 77 does not report dirty")
	}

	ct.DirtyRange(100, 200)
	ct.DirtyCardsForAddressRange(base+5000, base+90000)
	ct.Clear()
	if dirty := dirtyCards(ct); len(dirty) != 0 {
		t.Errorf("cards %v still dirty after Clear", dirty)
	}
	if i, ok := ct.FindNextDirtyCard(0, NumCards); ok {
		t.Errorf("FindNextDirtyCard after Clear returned %d", i)
	}
}

func TestDirtyRangeExactness(t *testing.T) {
	ct, base := newTable(t)
	tests := []struct {
		name      string
		low, high uintptr
		want      int
	}{
		{"one byte", base + 10*CardSize + 7, base + 10*CardSize + 8, 1},
		{"card sized mid card", base + 10*CardSize + 100, base + 11*CardSize + 100, 2},
		{"card aligned", base + 10*CardSize, base + 11*CardSize, 1},
		{"k whole cards plus overhang", base + 10*CardSize + 1, base + 15*CardSize + 1, 6},
		{"up to the segment end", base + storage.Size - 1, base + storage.Size, 1},
		{"empty mid card", base + 10*CardSize + 100, base + 10*CardSize + 100, 0},
		{"empty on a boundary", base + 10*CardSize, base + 10*CardSize, 0},
	}
	for _, tc := range tests {
		ct.Clear()
		ct.DirtyCardsForAddressRange(tc.low, tc.high)
		if got := len(dirtyCards(ct)); got != tc.want {
			t.Errorf("%s: dirtied %d cards, want %d", tc.name, got, tc.want)
		}
		if tc.want != 0 && (!ct.IsCardForAddressDirty(tc.low) || !ct.IsCardForAddressDirty(tc.high-1)) {
			t.Errorf("%s: first or last byte of the range is not dirty", tc.name)
		}
	}
}

func TestFindCards(t *testing.T) {
	ct, _ := newTable(t)
	ct.DirtyRange(10, 20)
	if i, ok := ct.FindNextDirtyCard(0, 10); ok {
		t.Errorf("FindNextDirtyCard(0, 10) returned %d, want none", i)
	}
	if i, ok := ct.FindNextDirtyCard(0, NumCards); !ok || i != 10 {
		t.Errorf("FindNextDirtyCard returned %d, %v, want 10, true", i, ok)
	}
	if i, ok := ct.FindNextCleanCard(10, NumCards); !ok || i != 20 {
		t.Errorf("FindNextCleanCard returned %d, %v, want 20, true", i, ok)
	}
	ct.CleanRange(12, 14)
	if ct.IsCardForIndexDirty(13) {
		t.Error("card 13 still dirty after CleanRange")
	}
	if got := ct.CountDirty(); got != 8 {
		t.Errorf("CountDirty returned %d, want 8", got)
	}
}

func TestCrossingObjectRoundTrip(t *testing.T) {
	ct, base := newTable(t)
	start := base + 100*CardSize
	end := start + 4*CardSize
	b := ct.NextBoundary(start)
	ct.UpdateBoundaries(&b, start, end)
	if b != ct.NextBoundary(end) {
		t.Errorf("cursor is at card %d, want %d", b.Index(), ct.NextBoundary(end).Index())
	}
	for i := 100; i < 104; i++ {
		if got := ct.FirstObjForCard(i); got != start {
			t.Errorf("FirstObjForCard(%d) returned base+%d, want base+%d", i, got-base, start-base)
		}
	}
}

func TestLargeObject(t *testing.T) {
	ct, base := newTable(t)
	// A small object followed by one spanning most of the segment.
	small := base + 8
	b := ct.NextBoundary(small)
	large := small + 48
	end := base + storage.Size - 16
	ct.UpdateBoundaries(&b, large, end)
	for i := 1; i < NumCards; i++ {
		if got := ct.FirstObjForCard(i); got != large {
			t.Fatalf("FirstObjForCard(%d) returned base+%d, want base+%d", i, got-base, large-base)
		}
	}
	if b.Index() != NumCards {
		t.Errorf("cursor is at card %d, want %d", b.Index(), NumCards)
	}
}

func TestConcreteScenario(t *testing.T) {
	ct, base := newTable(t)
	start := base + 1000
	end := start + 1500 // crosses 1024, 1536 and 2048
	b := ct.NextBoundary(start)
	ct.UpdateBoundaries(&b, start, end)

	if got := ct.BoundaryByte(2); got != 3 {
		t.Errorf("card 2 holds %d, want 3 (24 bytes)", got)
	}
	if got := ct.BoundaryByte(3); got != encodeExp(0) {
		t.Errorf("card 3 holds %d, want %d", got, encodeExp(0))
	}
	if got := ct.BoundaryByte(4); got != encodeExp(1) {
		t.Errorf("card 4 holds %d, want %d", got, encodeExp(1))
	}
	for i := 2; i <= 4; i++ {
		if got := ct.FirstObjForCard(i); got != start {
			t.Errorf("FirstObjForCard(%d) returned base+%d, want base+1000", i, got-base)
		}
	}
	if b.Index() != 5 {
		t.Errorf("cursor is at card %d, want 5", b.Index())
	}
}

func TestEncodeExp(t *testing.T) {
	for e := 0; e <= maxExp; e++ {
		v := encodeExp(e)
		if v >= 0 {
			t.Errorf("encodeExp(%d) returned %d, want a negative value", e, v)
		}
		if got := decodeExp(v); got != e {
			t.Errorf("decodeExp(encodeExp(%d)) returned %d", e, got)
		}
	}
	if encodeExp(0) != -1 {
		t.Errorf("encodeExp(0) returned %d, want -1", encodeExp(0))
	}
}

func TestVerifyAndSummarize(t *testing.T) {
	ct, base := newTable(t)
	sizes := []uintptr{1500, 16, 3000, 512, 40, 9000}
	start := base + 2*CardSize + 8
	objs := map[uintptr]uintptr{}
	b := ct.NextBoundary(start)
	level := start
	for _, size := range sizes {
		size = heapalign.AlignSize(size)
		objs[level] = level + size
		if level+size > b.Address() {
			ct.UpdateBoundaries(&b, level, level+size)
		}
		level += size
	}
	next := func(obj uintptr) uintptr { return objs[obj] }
	if err := ct.VerifyBoundaries(start, level, next); err != nil {
		t.Errorf("VerifyBoundaries returned %v", err)
	}

	sum := ct.SummarizeBoundaries(start, level)
	if again := ct.SummarizeBoundaries(start, level); again != sum {
		t.Errorf("SummarizeBoundaries is not stable: %#x then %#x", sum, again)
	}
	ct.boundaries[ct.AddressToIndex(start+4000)] = 5
	if ct.SummarizeBoundaries(start, level) == sum {
		t.Error("SummarizeBoundaries did not notice a corrupted boundary")
	}
	if err := ct.VerifyBoundaries(start, level, next); err == nil {
		t.Error("VerifyBoundaries accepted a corrupted boundary")
	}
}

// mustPanic runs f and reports an error unless it fails with a gc: message.
func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if msg, ok := r.(string); !ok || !strings.HasPrefix(msg, "gc: ") {
			t.Errorf("%s panicked with %v, want a gc: message", name, r)
		}
	}()
	f()
	t.Errorf("%s returned", name)
}

func TestPreconditions(t *testing.T) {
	if !gcassert.Enabled {
		t.Skip("asserts disabled")
	}
	ct, base := newTable(t)

	mustPanic(t, "UpdateBoundaries with an unaligned start", func() {
		b := ct.NextBoundary(base + 1020)
		ct.UpdateBoundaries(&b, base+1020, base+1120)
	})
	mustPanic(t, "UpdateBoundaries with the cursor below the object", func() {
		b := ct.NextBoundary(base + 512)
		ct.UpdateBoundaries(&b, base+1000, base+1200)
	})
	mustPanic(t, "UpdateBoundaries with the cursor past the object", func() {
		b := ct.NextBoundary(base + 2048)
		ct.UpdateBoundaries(&b, base+1000, base+1200)
	})
	mustPanic(t, "FindNextDirtyCard past the table", func() {
		ct.FindNextDirtyCard(0, NumCards+1)
	})
	mustPanic(t, "FindNextCleanCard with from > to", func() {
		ct.FindNextCleanCard(10, 5)
	})
	mustPanic(t, "DirtyRange with a negative start", func() {
		ct.DirtyRange(-1, 3)
	})
	mustPanic(t, "IsCardForIndexDirty past the table", func() {
		ct.IsCardForIndexDirty(NumCards)
	})
	mustPanic(t, "AddressToIndex past the segment", func() {
		ct.AddressToIndex(base + storage.Size + 1)
	})
	mustPanic(t, "DirtyCardsForAddressRange with high < low", func() {
		ct.DirtyCardsForAddressRange(base+2000, base+1000)
	})
	mustPanic(t, "encodeExp out of range", func() {
		encodeExp(maxExp + 1)
	})

	// The unaligned object above must not have left a boundary behind.
	if got := ct.BoundaryByte(2); got != 0 {
		t.Errorf("card 2 holds %d after a rejected update, want 0", got)
	}
}
