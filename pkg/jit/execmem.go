package jit

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/errors"

	"github.com/klauspost/cpuid/v2"
)

// CodeArena is the fixed-capacity buffer that holds every translated block.
// Allocation bumps a single pointer; nothing is freed individually and the
// only reclamation is Reset, which drops the whole generation.
type CodeArena struct {
	buffer     []byte
	used       int
	align      int
	executable bool
	mu         sync.Mutex
}

// NewCodeArena allocates an arena of size bytes. On platforms that support it
// the memory is mapped executable.
func NewCodeArena(size int) (*CodeArena, error) {
	if size <= 0 {
		size = constants.CodeArenaSize
	}

	buffer, executable, err := mapCode(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d byte code arena", size)
	}

	align := cpuid.CPU.CacheLine
	if align <= 0 || align&(align-1) != 0 {
		align = constants.DefaultCacheLine
	}

	return &CodeArena{
		buffer:     buffer,
		align:      align,
		executable: executable,
	}, nil
}

// Allocate reserves size bytes aligned to the host cache line and returns the
// offset of the reservation together with a writable view of it.
func (a *CodeArena) Allocate(size int) (int, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := alignUp(a.used, a.align)
	if size <= 0 || start+size > len(a.buffer) {
		return 0, nil, errors.Wrapf(errors.ErrCapacityExhausted,
			"need %d bytes, have %d", size, len(a.buffer)-start)
	}
	a.used = start + size
	return start, a.buffer[start : start+size : start+size], nil
}

// Commit shrinks the most recent allocation at offset to the used bytes the
// backend actually wrote.
func (a *CodeArena) Commit(offset, used int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	errors.Assertf(offset+used <= a.used, "commit of %d bytes at %d past bump pointer %d", used, offset, a.used)
	a.used = offset + used
}

// Reset rewinds the bump pointer. Every offset previously handed out becomes
// invalid; callers must have torn down all TBs first.
func (a *CodeArena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
}

// Used returns the amount of memory currently in use
func (a *CodeArena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Capacity returns the total capacity
func (a *CodeArena) Capacity() int {
	return len(a.buffer)
}

// Align returns the allocation alignment in bytes.
func (a *CodeArena) Align() int {
	return a.align
}

// Executable reports whether the arena is mapped with execute permission.
func (a *CodeArena) Executable() bool {
	return a.executable
}

// Bytes returns the whole arena. Readers of patchable fields must use
// LoadRel32.
func (a *CodeArena) Bytes() []byte {
	return a.buffer
}

// BaseAddress returns the host address of the first arena byte
func (a *CodeArena) BaseAddress() uintptr {
	if len(a.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.buffer[0]))
}

// PatchRel32 rewrites the 32-bit relative displacement at site so that
// control continues at target. The displacement is relative to the end of
// the field. This is the only write into code that may be running: the field
// is naturally aligned and written with a single atomic store, then the host
// instruction cache is synchronised.
func (a *CodeArena) PatchRel32(site, target int) {
	errors.Assertf(site&3 == 0, "patch site %#x is not 4-byte aligned", site)
	errors.Assertf(site >= 0 && site+4 <= len(a.buffer), "patch site %#x outside arena", site)
	rel := int32(target - (site + 4))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&a.buffer[site])), uint32(rel))
	if a.executable {
		flushICache(a.buffer[site : site+4])
	}
}

// LoadRel32 returns the target of the displacement field at site.
func (a *CodeArena) LoadRel32(site int) int {
	rel := int32(atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.buffer[site]))))
	return site + 4 + int(rel)
}

// Free releases the arena memory
func (a *CodeArena) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer == nil {
		return nil
	}
	err := unmapCode(a.buffer, a.executable)
	a.buffer = nil
	a.used = 0
	return err
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
