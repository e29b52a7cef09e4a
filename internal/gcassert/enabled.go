//go:build !gc.noasserts

package gcassert

// Enabled reports whether invariant checks are compiled in.
const Enabled = true
