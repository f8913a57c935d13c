//go:build linux

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapCode allocates memory with RWX permissions via mmap
func mapCode(size int) ([]byte, bool, error) {
	// Note: On some systems you may need to mprotect separately
	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		// Hardened kernels refuse W+X mappings; the bytecode backend does not
		// need execute permission so fall back to plain RW.
		buffer, err = unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, false, fmt.Errorf("failed to mmap code memory: %w", err)
		}
		return buffer, false, nil
	}
	return buffer, true, nil
}

func unmapCode(buffer []byte, _ bool) error {
	return unix.Munmap(buffer)
}
