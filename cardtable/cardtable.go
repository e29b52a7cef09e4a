// Package cardtable implements the per-segment card table.
//
// A segment is divided into cards of CardSize bytes. For every card the table
// keeps a status cell, dirtied by the write barrier and cleaned by the
// collector, and a boundary byte that locates the object crossing into the
// card.
//
// Boundary bytes are written by the allocator, once per allocation epoch. The
// first card an object crosses into stores the distance back to the object
// start in HeapAlign units (a value >= 0). Later cards store an encoded
// exponent e (a value < 0): look 1<<e cards back and try again. Exponents
// grow so that 1 card gets e=0, 2 cards get e=1, 4 cards get e=2 and so on,
// which bounds a lookup to a logarithmic number of steps.
package cardtable

import (
	"unsafe"

	"github.com/tinygo-org/gcheap/gcsync"
	"github.com/tinygo-org/gcheap/internal/gcassert"
	"github.com/tinygo-org/gcheap/storage"
)

const (
	// LogCardSize is log2 of CardSize.
	LogCardSize = 9
	// CardSize is the number of bytes covered by one card.
	CardSize uintptr = 1 << LogCardSize
	// NumCards is the number of cards in a segment.
	NumCards = int(storage.Size >> LogCardSize)
)

// Boundary is a cursor pointing at the next card boundary that no object has
// crossed yet.
type Boundary struct {
	index   int
	address uintptr
}

func (b Boundary) Index() int {
	return b.index
}

func (b Boundary) Address() uintptr {
	return b.address
}

// Bump moves the cursor to the next card boundary.
func (b *Boundary) Bump() {
	b.index++
	b.address += CardSize
}

// CardTable must live inside the segment it describes; the segment start is
// found by masking the table's own address.
type CardTable struct {
	cards      [NumCards]gcsync.Card
	boundaries [NumCards]int8
}

func (t *CardTable) base() uintptr {
	return storage.Start(uintptr(unsafe.Pointer(t)))
}

// indexOf converts without checks. It accepts addresses up to a card past the
// segment end, which round to NumCards.
func (t *CardTable) indexOf(addr uintptr) int {
	return int((addr - t.base()) >> LogCardSize)
}

// AddressToIndex returns the index of the card containing addr. The segment
// end maps to NumCards.
func (t *CardTable) AddressToIndex(addr uintptr) int {
	if gcassert.Enabled && (addr < t.base() || addr > t.base()+storage.Size) {
		gcassert.Fail("cardtable: address outside the segment")
	}
	return t.indexOf(addr)
}

// IndexToAddress returns the start of card index.
func (t *CardTable) IndexToAddress(index int) uintptr {
	if gcassert.Enabled && (index < 0 || index > NumCards) {
		gcassert.Fail("cardtable: card index out of range")
	}
	return t.base() + uintptr(index)<<LogCardSize
}

// NextBoundary returns the first card boundary at or above level.
func (t *CardTable) NextBoundary(level uintptr) Boundary {
	index := t.indexOf(level + CardSize - 1)
	return Boundary{index: index, address: t.IndexToAddress(index)}
}

func (t *CardTable) DirtyCardForAddress(addr uintptr) {
	t.cards[t.AddressToIndex(addr)].Store(gcsync.CardDirty)
}

// DirtyCardsForAddressRange dirties every card intersecting [low, high). An
// empty range dirties nothing.
func (t *CardTable) DirtyCardsForAddressRange(low, high uintptr) {
	if gcassert.Enabled && high < low {
		gcassert.Fail("cardtable: inverted address range")
	}
	if high == low {
		return
	}
	// A write straddling a card boundary must dirty both cards, so round high
	// up to the end of its card.
	t.DirtyRange(t.AddressToIndex(low), t.indexOf(high+CardSize-1))
}

func (t *CardTable) IsCardForAddressDirty(addr uintptr) bool {
	return t.IsCardForIndexDirty(t.AddressToIndex(addr))
}

func (t *CardTable) IsCardForIndexDirty(index int) bool {
	t.checkIndex(index)
	return t.cards[index].Load() == gcsync.CardDirty
}

func (t *CardTable) checkIndex(index int) {
	if gcassert.Enabled && (index < 0 || index >= NumCards) {
		gcassert.Fail("cardtable: card index out of range")
	}
}

func (t *CardTable) checkRange(from, to int) {
	if gcassert.Enabled && (from < 0 || from > to || to > NumCards) {
		gcassert.Fail("cardtable: card range out of range")
	}
}

// FindNextDirtyCard returns the first dirty card in [from, to).
func (t *CardTable) FindNextDirtyCard(from, to int) (int, bool) {
	return t.findNextCardWithStatus(gcsync.CardDirty, from, to)
}

// FindNextCleanCard returns the first clean card in [from, to).
func (t *CardTable) FindNextCleanCard(from, to int) (int, bool) {
	return t.findNextCardWithStatus(gcsync.CardClean, from, to)
}

func (t *CardTable) findNextCardWithStatus(status uint8, from, to int) (int, bool) {
	t.checkRange(from, to)
	for i := from; i < to; i++ {
		if t.cards[i].Load() == status {
			return i, true
		}
	}
	return 0, false
}

// Clear cleans every card.
func (t *CardTable) Clear() {
	t.CleanRange(0, NumCards)
}

// CleanRange cleans the cards in [from, to).
func (t *CardTable) CleanRange(from, to int) {
	t.cleanOrDirtyRange(from, to, gcsync.CardClean)
}

// DirtyRange dirties the cards in [from, to).
func (t *CardTable) DirtyRange(from, to int) {
	t.cleanOrDirtyRange(from, to, gcsync.CardDirty)
}

func (t *CardTable) cleanOrDirtyRange(from, to int, status uint8) {
	t.checkRange(from, to)
	for i := from; i < to; i++ {
		t.cards[i].Store(status)
	}
}

// CountDirty returns the number of dirty cards.
func (t *CardTable) CountDirty() int {
	n := 0
	for i := range t.cards {
		if t.cards[i].Load() == gcsync.CardDirty {
			n++
		}
	}
	return n
}
