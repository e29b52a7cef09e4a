// Package gcsync provides the low-level primitives used by card tables, mark
// bits and storage providers.
//
// Two implementations exist and are selected when building, never at run
// time. The default set uses real atomics and a real mutex, for builds where a
// collector goroutine runs next to the mutator. Building with -tags gc.serial
// selects plain loads and stores and a mutex that never blocks, for builds
// where only one goroutine ever touches the heap.
//
// Card and word operations are relaxed in intent: the concurrent set uses
// sync/atomic, which is stronger than required, and callers must not rely on
// any ordering beyond eventual visibility.
package gcsync

// Card values.
const (
	CardClean uint8 = 0
	CardDirty uint8 = 1
)
