// Package oom defines the out-of-memory taxonomy reported by the heap
// packages.
//
// Every failure to obtain memory is reported as an *Error carrying a Kind, so
// that the embedding collector can tell a configured ceiling apart from a
// policy violation or an operating system refusal. The packages in this module
// never terminate the process on their own.
package oom

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind is the category of an out-of-memory condition.
type Kind int

const (
	// MaxHeapReached: the collector's configured heap ceiling was hit.
	MaxHeapReached Kind = iota + 1
	// MaxStorageReached: a storage provider's own segment or pool limit was
	// hit.
	MaxStorageReached
	// Effective: the heap is practically out of memory although no hard limit
	// was reached.
	Effective
	// SuperSegmentAlloc: a single allocation larger than a segment.
	SuperSegmentAlloc
	// TestVMLimitReached: the virtual memory ceiling installed by tests.
	TestVMLimitReached
	// SystemAllocFailed: the operating system refused a mapping.
	SystemAllocFailed
)

func (k Kind) String() string {
	switch k {
	case MaxHeapReached:
		return "MaxHeapReached"
	case MaxStorageReached:
		return "MaxStorageReached"
	case Effective:
		return "Effective"
	case SuperSegmentAlloc:
		return "SuperSegmentAlloc"
	case TestVMLimitReached:
		return "TestVMLimitReached"
	case SystemAllocFailed:
		return "SystemAllocFailed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is an out-of-memory condition.
type Error struct {
	Kind      Kind
	Requested uintptr // bytes requested, 0 if unknown
	Err       error   // underlying cause, if any
}

func (e *Error) Error() string {
	msg := "out of memory: " + e.Kind.String()
	if e.Requested != 0 {
		msg += fmt.Sprintf(" (requested %d bytes)", e.Requested)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so that the sentinels below can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrMaxHeapReached     = &Error{Kind: MaxHeapReached}
	ErrMaxStorageReached  = &Error{Kind: MaxStorageReached}
	ErrEffective          = &Error{Kind: Effective}
	ErrSuperSegmentAlloc  = &Error{Kind: SuperSegmentAlloc}
	ErrTestVMLimitReached = &Error{Kind: TestVMLimitReached}
	ErrSystemAllocFailed  = &Error{Kind: SystemAllocFailed}
)

// New returns an out-of-memory error of the given kind.
func New(kind Kind, requested uintptr) error {
	return &Error{Kind: kind, Requested: requested}
}

// Wrap returns an out-of-memory error of the given kind caused by err.
func Wrap(kind Kind, requested uintptr, err error) error {
	return &Error{Kind: kind, Requested: requested, Err: err}
}

// KindOf returns the kind of the first out-of-memory error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsOOM reports whether err's chain contains an out-of-memory error.
func IsOOM(err error) bool {
	_, ok := KindOf(err)
	return ok
}
