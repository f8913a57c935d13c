//go:build !amd64

package jit

// Native code is only emitted for amd64 hosts. Elsewhere the arena is read by
// the bytecode interpreter, and the atomic store in PatchRel32 already
// publishes the new displacement.
func flushICache([]byte) {}
