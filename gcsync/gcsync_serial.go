//go:build gc.serial

package gcsync

const Concurrent = false

type Card struct {
	v uint8
}

func (c *Card) Load() uint8 {
	return c.v
}

func (c *Card) Store(v uint8) {
	c.v = v
}

func LoadWord(p *uint64) uint64 {
	return *p
}

func StoreWord(p *uint64, v uint64) {
	*p = v
}

func OrWord(p *uint64, mask uint64) {
	*p |= mask
}

func AndNotWord(p *uint64, mask uint64) {
	*p &^= mask
}

// Mutex is always available: there is no second goroutine to exclude.
type Mutex struct{}

func (m *Mutex) Lock()         {}
func (m *Mutex) Unlock()       {}
func (m *Mutex) TryLock() bool { return true }
