package jit

// x86 keeps instruction fetch coherent with stores; a patched displacement is
// picked up without explicit maintenance.
func flushICache([]byte) {}
