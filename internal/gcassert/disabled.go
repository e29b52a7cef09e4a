//go:build gc.noasserts

package gcassert

const Enabled = false
