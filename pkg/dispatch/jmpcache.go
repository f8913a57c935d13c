package dispatch

import (
	"sync/atomic"

	"github.com/ascrivener/dbt/pkg/tbcache"
	"github.com/ascrivener/dbt/pkg/types"
)

// jmpCache maps virtual pcs straight to TBs, skipping the shared registry.
// It is filled by its own CPU and cleared by cache observers running on any
// CPU, hence the atomic slots.
//
// The index keeps low page-number bits above low pc bits, so all slots a
// page can occupy form one contiguous run.
type jmpCache struct {
	slots    []atomic.Pointer[tbcache.TB]
	pageBits uint
	offBits  uint
}

func newJmpCache(bits int) *jmpCache {
	pageBits := uint(bits / 2)
	return &jmpCache{
		slots:    make([]atomic.Pointer[tbcache.TB], 1<<bits),
		pageBits: pageBits,
		offBits:  uint(bits) - pageBits,
	}
}

func (j *jmpCache) pageIndex(pc types.GuestAddr) uint64 {
	return (uint64(pc) >> types.PageBits) & (1<<j.pageBits - 1)
}

func (j *jmpCache) index(pc types.GuestAddr) uint64 {
	return j.pageIndex(pc)<<j.offBits | (uint64(pc)>>2)&(1<<j.offBits-1)
}

func (j *jmpCache) get(pc types.GuestAddr) *tbcache.TB {
	return j.slots[j.index(pc)].Load()
}

func (j *jmpCache) put(pc types.GuestAddr, tb *tbcache.TB) {
	j.slots[j.index(pc)].Store(tb)
}

// remove clears the slot of tb.PC if it still holds tb.
func (j *jmpCache) remove(tb *tbcache.TB) {
	j.slots[j.index(tb.PC)].CompareAndSwap(tb, nil)
}

// flushPage clears every slot a TB starting in the page of addr may occupy.
func (j *jmpCache) flushPage(addr types.GuestAddr) {
	start := j.pageIndex(addr) << j.offBits
	for i := start; i < start+1<<j.offBits; i++ {
		j.slots[i].Store(nil)
	}
}

func (j *jmpCache) flushAll() {
	for i := range j.slots {
		j.slots[i].Store(nil)
	}
}
