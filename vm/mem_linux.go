package vm

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const madvUnused = unix.MADV_DONTNEED

func adviseHugePage(b []byte) error {
	return unix.Madvise(b, unix.MADV_HUGEPAGE)
}

// setName labels an anonymous mapping so it shows up in /proc/self/maps.
// Kernels without CONFIG_ANON_VMA_NAME return EINVAL.
func setName(addr, size uintptr, label string) error {
	name := append([]byte(label), 0)
	err := unix.Prctl(unix.PR_SET_VMA, unix.PR_SET_VMA_ANON_NAME, addr, size, uintptr(unsafe.Pointer(&name[0])))
	runtime.KeepAlive(name)
	return err
}
