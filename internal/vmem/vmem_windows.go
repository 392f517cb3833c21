//go:build windows

package vmem

import (
	"golang.org/x/sys/windows"
)

func sysPageSize() int {
	var si windows.SystemInfo
	windows.GetNativeSystemInfo(&si)
	return int(si.AllocationGranularity)
}

func sysReserve(hint uintptr, size int) (uintptr, error) {
	base, err := windows.VirtualAlloc(hint, uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil && hint != 0 {
		// The hint range may be occupied; let the OS choose.
		base, err = windows.VirtualAlloc(0, uintptr(size),
			windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	}
	if err != nil {
		return 0, err
	}
	return base, nil
}

func sysRelease(base uintptr, size int) error {
	return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
}
