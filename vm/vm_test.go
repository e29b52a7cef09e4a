//go:build linux || darwin

package vm

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/tinygo-org/gcheap/oom"
)

func TestAllocateAligned(t *testing.T) {
	s := New(Config{})
	const align = 4 << 20
	for i := 0; i < 4; i++ {
		addr, err := s.AllocateAligned(align, align, 0)
		if err != nil {
			t.Fatalf("AllocateAligned returned %v", err)
		}
		if addr%align != 0 {
			t.Errorf("AllocateAligned returned %#x, not aligned to %#x", addr, align)
		}
		// The memory must be usable and zeroed.
		p := (*uint64)(unsafe.Pointer(addr + align - 8))
		if *p != 0 {
			t.Errorf("fresh memory reads %d, want 0", *p)
		}
		*p = 1
		if err := s.Free(addr, align); err != nil {
			t.Errorf("Free returned %v", err)
		}
	}
}

func TestAllocLimit(t *testing.T) {
	ps := New(Config{}).PageSize()
	s := New(Config{AllocLimit: 4 * ps})
	addr, err := s.Allocate(4*ps, 0)
	if err != nil {
		t.Fatalf("Allocate within the limit returned %v", err)
	}
	if left, ok := s.Limit(); !ok || left != 0 {
		t.Errorf("Limit returned %d, %v, want 0, true", left, ok)
	}
	_, err = s.Allocate(ps, 0)
	if !errors.Is(err, oom.ErrTestVMLimitReached) {
		t.Errorf("Allocate past the limit returned %v, want TestVMLimitReached", err)
	}
	if err := s.Free(addr, 4*ps); err != nil {
		t.Fatalf("Free returned %v", err)
	}
	if left, _ := s.Limit(); left != 4*ps {
		t.Errorf("Limit after Free returned %d, want %d", left, 4*ps)
	}
}

func TestInjectFault(t *testing.T) {
	injected := errors.New("injected")
	var ops []string
	s := New(Config{InjectFault: func(op string, size uintptr) error {
		ops = append(ops, op)
		return injected
	}})
	_, err := s.AllocateAligned(s.PageSize(), s.PageSize(), 0)
	if !errors.Is(err, injected) {
		t.Errorf("AllocateAligned returned %v, want the injected fault", err)
	}
	if len(ops) != 1 || ops[0] != "allocate-aligned" {
		t.Errorf("fault hook saw %v, want [allocate-aligned]", ops)
	}
}

func TestReserveCommit(t *testing.T) {
	s := New(Config{})
	ps := s.PageSize()
	const align = 1 << 20
	addr, err := s.ReserveAligned(4*align, align, 0)
	if err != nil {
		t.Fatalf("ReserveAligned returned %v", err)
	}
	defer s.Release(addr, 4*align)
	if addr%align != 0 {
		t.Errorf("ReserveAligned returned %#x, not aligned", addr)
	}
	if err := s.Commit(addr, ps); err != nil {
		t.Fatalf("Commit returned %v", err)
	}
	p := (*byte)(unsafe.Pointer(addr))
	*p = 42
	if err := s.Advise(addr, ps, AdviceUnused); err != nil {
		t.Errorf("Advise returned %v", err)
	}
	s.Name(addr, ps, "gcheap-test")
	if err := s.Uncommit(addr, ps); err != nil {
		t.Errorf("Uncommit returned %v", err)
	}
	if err := s.Commit(addr, ps); err != nil {
		t.Fatalf("second Commit returned %v", err)
	}
	if *p != 0 {
		t.Errorf("recommitted memory reads %d, want 0", *p)
	}
}

func TestPageSizeOverride(t *testing.T) {
	base := New(Config{}).PageSize()
	s := New(Config{PageSize: 16 * base})
	if got := s.PageSize(); got != 16*base {
		t.Errorf("PageSize returned %d, want %d", got, 16*base)
	}
	addr, err := s.AllocateAligned(16*base, 16*base, 0)
	if err != nil {
		t.Fatalf("AllocateAligned returned %v", err)
	}
	if addr%(16*base) != 0 {
		t.Errorf("AllocateAligned returned %#x, not aligned to the overridden page size", addr)
	}
	s.Free(addr, 16*base)
}

func TestAlignedTrimFailure(t *testing.T) {
	ps := New(Config{}).PageSize()
	const align = 64 << 20
	const limit = 4 * align
	s := New(Config{AllocLimit: limit})

	var calls int
	var leaked uintptr
	var freed []uintptr
	s.unmapRange = func(addr, size uintptr) error {
		calls++
		// Call 1 frees the unaligned first attempt; call 2 is the first trim.
		if calls == 2 {
			leaked = size
			return errors.New("unmap refused")
		}
		freed = append(freed, size)
		return unmap(addr, size)
	}
	addr, err := s.AllocateAligned(4*ps, align, 0)
	if err == nil {
		s.Free(addr, 4*ps)
		t.Skip("first mapping happened to be aligned")
	}
	if calls != 3 {
		t.Fatalf("unmap was called %d times, want 3", calls)
	}
	// Everything but the range that could not be unmapped is returned.
	if got, _ := s.Limit(); got != limit-leaked {
		t.Errorf("Limit returned %d after a failed trim, want %d", got, limit-leaked)
	}
	if rest := freed[len(freed)-1]; rest+leaked != 4*ps+align-s.realPageSize {
		t.Errorf("trim failure freed %d bytes and leaked %d, want %d in total", rest, leaked, 4*ps+align-s.realPageSize)
	}
}
