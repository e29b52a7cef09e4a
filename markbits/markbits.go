// Package markbits implements the per-segment mark bit array: one bit for
// every HeapAlign bytes of the segment.
package markbits

import (
	"math/bits"
	"unsafe"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/heapalign"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/storage"
)

// NumBits is the number of bits in a MarkBitArray.
const NumBits = int(storage.Size >> heapalign.LogHeapAlign)

const (
	bitsPerWord = 64
	numWords    = NumBits / bitsPerWord
)

// MarkBitArray must live inside the segment it describes: the segment start
// is found by masking the array's own address. The search functions return
// Size() when no bit matches.
type MarkBitArray struct {
	words [numWords]uint64
}

func (m *MarkBitArray) base() uintptr {
	return storage.Start(uintptr(unsafe.Pointer(m)))
}

// Size returns the number of bits, which is also the "not found" result of
// the search functions.
func (m *MarkBitArray) Size() int {
	return NumBits
}

// AddressToIndex returns the bit index for address p, which must lie in the
// same segment as the array.
func (m *MarkBitArray) AddressToIndex(p uintptr) int {
	if gcassert.Enabled && !storage.ContainedInSame(p, m.base()) {
		gcassert.Fail("markbits: address outside the segment")
	}
	return int(storage.Offset(p) >> heapalign.LogHeapAlign)
}

// IndexToAddress is the inverse of AddressToIndex. Size() maps to the end of
// the segment.
func (m *MarkBitArray) IndexToAddress(i int) uintptr {
	if gcassert.Enabled && (i < 0 || i > NumBits) {
		gcassert.Fail("markbits: index out of range")
	}
	return m.base() + uintptr(i)<<heapalign.LogHeapAlign
}

func (m *MarkBitArray) checkIndex(i int) {
	if gcassert.Enabled && (i < 0 || i >= NumBits) {
		gcassert.Fail("markbits: index out of range")
	}
}

// At reports whether bit i is set.
func (m *MarkBitArray) At(i int) bool {
	m.checkIndex(i)
	return gcsync.LoadWord(&m.words[i/bitsPerWord])&(1<<(i%bitsPerWord)) != 0
}

// Mark sets bit i.
func (m *MarkBitArray) Mark(i int) {
	m.checkIndex(i)
	gcsync.OrWord(&m.words[i/bitsPerWord], 1<<(i%bitsPerWord))
}

// Unmark clears bit i.
func (m *MarkBitArray) Unmark(i int) {
	m.checkIndex(i)
	gcsync.AndNotWord(&m.words[i/bitsPerWord], 1<<(i%bitsPerWord))
}

// Clear resets every bit.
func (m *MarkBitArray) Clear() {
	for i := range m.words {
		gcsync.StoreWord(&m.words[i], 0)
	}
}

// MarkAll sets every bit.
func (m *MarkBitArray) MarkAll() {
	for i := range m.words {
		gcsync.StoreWord(&m.words[i], ^uint64(0))
	}
}

// CountMarked returns the number of set bits.
func (m *MarkBitArray) CountMarked() int {
	n := 0
	for i := range m.words {
		n += bits.OnesCount64(gcsync.LoadWord(&m.words[i]))
	}
	return n
}

// FindNextMarkedBitFrom returns the first set bit in [i, Size()).
func (m *MarkBitArray) FindNextMarkedBitFrom(i int) int {
	return m.findNext(i, 0)
}

// FindNextUnmarkedBitFrom returns the first clear bit in [i, Size()).
func (m *MarkBitArray) FindNextUnmarkedBitFrom(i int) int {
	return m.findNext(i, ^uint64(0))
}

// FindPrevMarkedBitFrom returns the last set bit in [0, i).
func (m *MarkBitArray) FindPrevMarkedBitFrom(i int) int {
	return m.findPrev(i, 0)
}

// FindPrevUnmarkedBitFrom returns the last clear bit in [0, i).
func (m *MarkBitArray) FindPrevUnmarkedBitFrom(i int) int {
	return m.findPrev(i, ^uint64(0))
}

// findNext scans upwards one word at a time. flip inverts every word so the
// same loop finds clear bits.
func (m *MarkBitArray) findNext(i int, flip uint64) int {
	if i < 0 {
		i = 0
	}
	if i >= NumBits {
		return NumBits
	}
	w := i / bitsPerWord
	word := (gcsync.LoadWord(&m.words[w]) ^ flip) & (^uint64(0) << (i % bitsPerWord))
	for {
		if word != 0 {
			return w*bitsPerWord + bits.TrailingZeros64(word)
		}
		w++
		if w == numWords {
			return NumBits
		}
		word = gcsync.LoadWord(&m.words[w]) ^ flip
	}
}

func (m *MarkBitArray) findPrev(i int, flip uint64) int {
	if i <= 0 {
		return NumBits
	}
	if i > NumBits {
		i = NumBits
	}
	last := i - 1
	w := last / bitsPerWord
	word := (gcsync.LoadWord(&m.words[w]) ^ flip) & (^uint64(0) >> (bitsPerWord - 1 - last%bitsPerWord))
	for {
		if word != 0 {
			return w*bitsPerWord + bitsPerWord - 1 - bits.LeadingZeros64(word)
		}
		if w == 0 {
			return NumBits
		}
		w--
		word = gcsync.LoadWord(&m.words[w]) ^ flip
	}
}
