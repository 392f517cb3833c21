// Package vmem reserves and releases page-granular virtual memory. It is the
// only place the allocator touches the OS: anonymous read/write mappings on
// unix, VirtualAlloc regions on Windows.
package vmem

import (
	"fmt"
	"sync"
)

var (
	pageOnce sync.Once
	pageSz   int
)

// PageSize returns the virtual memory allocation granularity of the host.
// The value is queried once and cached for the life of the process.
func PageSize() int {
	pageOnce.Do(func() {
		pageSz = sysPageSize()
	})
	return pageSz
}

// Reserve maps size bytes of zeroed read/write memory and returns the base
// address. size must be a positive multiple of PageSize.
func Reserve(size int) (uintptr, error) {
	return ReserveAt(0, size)
}

// ReserveAt is Reserve with a placement hint. The hint is best-effort: the
// OS may place the region elsewhere. A zero hint means no preference.
func ReserveAt(hint uintptr, size int) (uintptr, error) {
	if size <= 0 || size%PageSize() != 0 {
		return 0, fmt.Errorf("vmem: size %d is not a positive page multiple", size)
	}
	return sysReserve(hint, size)
}

// Release unmaps a region previously returned by Reserve or ReserveAt. The
// full original size must be passed back.
func Release(base uintptr, size int) error {
	if base == 0 || size <= 0 {
		return fmt.Errorf("vmem: release of invalid region (base %#x, size %d)", base, size)
	}
	return sysRelease(base, size)
}
