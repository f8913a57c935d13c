//go:build !linux

package jit

// mapCode falls back to the Go heap. Only the bytecode backend can run from
// such an arena.
func mapCode(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapCode([]byte, bool) error {
	return nil
}
