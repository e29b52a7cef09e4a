//go:build linux || darwin

package vm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Supported reports whether this platform has a virtual memory
// implementation.
const Supported = true

func realPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

func mmapProt(reserve bool) (prot, flags int) {
	if reserve {
		return unix.PROT_NONE, unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_NORESERVE
	}
	return unix.PROT_READ | unix.PROT_WRITE, unix.MAP_PRIVATE | unix.MAP_ANON
}

func mapAnon(hint, size uintptr, reserve bool) (uintptr, error) {
	prot, flags := mmapProt(reserve)
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size, prot, flags)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

// mapFixed replaces the mapping at addr with fresh anonymous memory.
func mapFixed(addr, size uintptr, reserve bool) error {
	prot, flags := mmapProt(reserve)
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), size, prot, flags|unix.MAP_FIXED)
	return err
}

func unmap(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size)
}

func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func protect(addr, size uintptr, mode ProtectMode) error {
	prot := unix.PROT_NONE
	if mode == ProtectReadWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(bytesAt(addr, size), prot)
}

func advise(addr, size uintptr, advice Advice) error {
	b := bytesAt(addr, size)
	switch advice {
	case AdviceRandom:
		return unix.Madvise(b, unix.MADV_RANDOM)
	case AdviceSequential:
		return unix.Madvise(b, unix.MADV_SEQUENTIAL)
	case AdviceUnused:
		return unix.Madvise(b, madvUnused)
	case AdviceWillNeed:
		return unix.Madvise(b, unix.MADV_WILLNEED)
	case AdviceHugePage:
		return adviseHugePage(b)
	}
	return nil
}
