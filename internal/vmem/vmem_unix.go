//go:build linux || darwin || freebsd

package vmem

import (
	"golang.org/x/sys/unix"
)

func sysPageSize() int {
	return unix.Getpagesize()
}

// sysReserve calls mmap directly rather than through unix.Mmap: the wrapper
// neither takes a placement hint nor hands back a raw address, and the
// allocator needs both.
func sysReserve(hint uintptr, size int) (uintptr, error) {
	base, _, errno := unix.Syscall6(unix.SYS_MMAP,
		hint,
		uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON),
		^uintptr(0), // fd -1 for an anonymous mapping
		0)
	if errno != 0 {
		return 0, errno
	}
	return base, nil
}

func sysRelease(base uintptr, size int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, uintptr(size), 0); errno != 0 {
		return errno
	}
	return nil
}
