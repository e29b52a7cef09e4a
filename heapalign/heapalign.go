// Package heapalign defines the minimum alignment of heap objects.
package heapalign

const (
	// LogHeapAlign is log2 of HeapAlign.
	LogHeapAlign = 3
	// HeapAlign is the alignment of every object start address.
	HeapAlign = 1 << LogHeapAlign
)

// AlignSize rounds size up to a multiple of HeapAlign.
func AlignSize(size uintptr) uintptr {
	return (size + HeapAlign - 1) &^ (HeapAlign - 1)
}

// IsAligned reports whether v is a multiple of HeapAlign.
func IsAligned(v uintptr) bool {
	return v&(HeapAlign-1) == 0
}
