package cardtable

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sigurn/crc16"

	"github.com/tinygo-org/gcheap/heapalign"
	"github.com/tinygo-org/gcheap/internal/gcassert"
)

// maxExp is the largest exponent an object crossing every card can need.
const maxExp = 13

// encodeExp maps an exponent in [0, maxExp] to a boundary byte in
// [-maxExp-1, -1].
func encodeExp(exp int) int8 {
	if gcassert.Enabled && (exp < 0 || exp > maxExp) {
		gcassert.Fail("cardtable: exponent out of range")
	}
	return int8(-(exp + 1))
}

// decodeExp is the inverse of encodeExp. v must be negative.
func decodeExp(v int8) int {
	return -int(v) - 1
}

// UpdateBoundaries records that the object [start, end) crosses the boundary
// at b and every later boundary below end. start must be HeapAlign aligned
// and b must lie in [start, end). On return b points at the first boundary at
// or above end.
func (t *CardTable) UpdateBoundaries(b *Boundary, start, end uintptr) {
	if gcassert.Enabled && !heapalign.IsAligned(start) {
		gcassert.Fail("cardtable: object start is not heap aligned")
	}
	if gcassert.Enabled && (b.address < start || b.address >= end) {
		gcassert.Fail("cardtable: boundary cursor is not inside the object")
	}
	t.boundaries[b.index] = int8((b.address - start) >> heapalign.LogHeapAlign)
	b.Bump()

	exp, n := 0, 0
	for b.address < end {
		t.boundaries[b.index] = encodeExp(exp)
		n++
		if n == 1<<exp {
			exp++
			n = 0
		}
		b.Bump()
	}
}

// FirstObjForCard returns the start of the object crossing into card index.
// The result is only meaningful if some object crosses the card's start.
func (t *CardTable) FirstObjForCard(index int) uintptr {
	t.checkIndex(index)
	v := t.boundaries[index]
	for v < 0 {
		index -= 1 << decodeExp(v)
		if gcassert.Enabled && index < 0 {
			gcassert.Fail("cardtable: boundary chain ran off the segment")
		}
		v = t.boundaries[index]
	}
	return t.IndexToAddress(index) - uintptr(v)<<heapalign.LogHeapAlign
}

// BoundaryByte returns the raw boundary byte of card index.
func (t *CardTable) BoundaryByte(index int) int8 {
	t.checkIndex(index)
	return t.boundaries[index]
}

// VerifyBoundaries walks the objects in [start, level), using next to step
// from one object to the following one, and checks that every card
// boundary crossed resolves to the object crossing it.
func (t *CardTable) VerifyBoundaries(start, level uintptr, next func(obj uintptr) uintptr) error {
	b := t.NextBoundary(start)
	for obj := start; obj < level; {
		end := next(obj)
		if end <= obj {
			return errors.Newf("cardtable: object at %#x does not advance", obj)
		}
		for ; b.address < end && b.address < level; b.Bump() {
			if got := t.FirstObjForCard(b.index); got != obj {
				return errors.Newf("cardtable: card %d resolves to %#x, want %#x", b.index, got, obj)
			}
		}
		obj = end
	}
	return nil
}

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// SummarizeBoundaries returns a checksum of the boundary bytes of the cards
// crossed by objects in [start, level). Boundary bytes are written once per
// epoch, so a changed summary means the table was corrupted.
func (t *CardTable) SummarizeBoundaries(start, level uintptr) uint16 {
	from := t.NextBoundary(start).index
	to := t.NextBoundary(level).index
	if from >= to {
		return 0
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&t.boundaries[from])), to-from)
	return crc16.Checksum(b, crcTable)
}
