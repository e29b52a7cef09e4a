//go:build !linux && !darwin

package vm

import "os"

const Supported = false

func realPageSize() uintptr {
	return uintptr(os.Getpagesize())
}

func mapAnon(hint, size uintptr, reserve bool) (uintptr, error) {
	return 0, ErrUnsupported
}

func mapFixed(addr, size uintptr, reserve bool) error {
	return ErrUnsupported
}

func unmap(addr, size uintptr) error {
	return ErrUnsupported
}

func protect(addr, size uintptr, mode ProtectMode) error {
	return ErrUnsupported
}

func advise(addr, size uintptr, advice Advice) error {
	return ErrUnsupported
}

func setName(addr, size uintptr, label string) error {
	return nil
}
