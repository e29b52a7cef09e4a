//go:build !gc.serial

package gcsync

import (
	"sync"
	"sync/atomic"
)

// Concurrent is true when the primitives are safe for use by more than one
// goroutine.
const Concurrent = true

// Card is a single card status cell. It takes 32 bits because sync/atomic
// has no 8-bit operations.
type Card struct {
	v atomic.Uint32
}

func (c *Card) Load() uint8 {
	return uint8(c.v.Load())
}

func (c *Card) Store(v uint8) {
	c.v.Store(uint32(v))
}

// LoadWord reads a word of a bit array.
func LoadWord(p *uint64) uint64 {
	return atomic.LoadUint64(p)
}

// StoreWord writes a word of a bit array.
func StoreWord(p *uint64, v uint64) {
	atomic.StoreUint64(p, v)
}

// OrWord sets the bits of mask in *p.
func OrWord(p *uint64, mask uint64) {
	atomic.OrUint64(p, mask)
}

// AndNotWord clears the bits of mask in *p.
func AndNotWord(p *uint64, mask uint64) {
	atomic.AndUint64(p, ^mask)
}

// Mutex serializes provider bookkeeping.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock() {
	m.mu.Lock()
}

func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

func (m *Mutex) TryLock() bool {
	return m.mu.TryLock()
}
