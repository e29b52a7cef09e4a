// Package gcassert holds the invariant checks shared by the heap packages.
//
// Checks are compiled in by default. Building with -tags gc.noasserts turns
// Enabled into a false constant so that guarded checks are removed by the
// compiler.
package gcassert

// Fail aborts with a message prefixed by "gc: ". It is used for programming
// errors (misaligned addresses, out-of-range cursors) that must never be
// handled as recoverable conditions.
func Fail(msg string) {
	panic("gc: " + msg)
}

// That calls Fail when asserts are enabled and cond is false.
func That(cond bool, msg string) {
	if Enabled && !cond {
		Fail(msg)
	}
}
