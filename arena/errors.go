package arena

import "errors"

var (
	// ErrInvalidSize indicates a non-positive allocation size.
	ErrInvalidSize = errors.New("arena: invalid requested size")

	// ErrInvalidAlignment indicates an alignment that is zero, larger than
	// the system page size, or (lock-free variant) not a power of two.
	ErrInvalidAlignment = errors.New("arena: invalid requested alignment")

	// ErrOutOfMemory indicates that the OS denied a reservation or the
	// worst-case block size overflowed the platform size type.
	ErrOutOfMemory = errors.New("arena: out of memory")

	// ErrBadPolicy indicates an invalid policy field at construction.
	ErrBadPolicy = errors.New("arena: bad policy")
)
