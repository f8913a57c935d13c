// Package tbcache holds the translation-block cache: the TB pool, its pc and
// physical-page indices, the jump-chain linker and the invalidation logic
// that keeps translated code consistent with guest memory.
package tbcache

import (
	"fmt"
	"sync/atomic"

	"github.com/ascrivener/dbt/pkg/types"
)

// TBID is the index of a TB in the cache's pool. Ids are stable for the life
// of a cache generation and are only reused after a full flush.
type TBID uint32

// NoTB terminates lists and marks unresolved exits.
const NoTB TBID = ^TBID(0)

// link names slot n of TB tb. It is the node type of the inbound-jump lists
// (n = exit slot), the physical page lists and the physical hash chains
// (n = which of the TB's pages).
type link struct {
	tb TBID
	n  uint8
}

var noLink = link{tb: NoTB}

func (l link) end() bool {
	return l.tb == NoTB
}

// Edge is an inbound jump: exit Slot of TB From is patched to this TB.
type Edge struct {
	From TBID
	Slot int
}

// TB is one translated block of guest code.
type TB struct {
	ID       TBID
	PC       types.GuestAddr
	Context  types.ContextBits
	Flags    uint32
	Size     uint64 // guest bytes covered
	NumInsns int
	// PhysPC is the physical address of the first guest byte; PhysPage[1]
	// is the second page for blocks that straddle a page boundary.
	PhysPC   types.PhysAddr
	PhysPage [2]types.PhysAddr
	TCOffset int // arena offset of the native code
	TCSize   int
	Digest   [32]byte // blake2b-256 of the guest bytes at translation time

	jmpSite   [2]int // arena offset of the patchable displacement, -1 if absent
	jmpReset  [2]int // arena offset the displacement holds while unresolved
	jmpTarget [2]TBID
	jmpNext   [2]link // next edge in the target's inbound list
	jmpFirst  link    // head of the inbound list

	hashNext     TBID
	physHashNext [2]link
	pageNext     [2]link

	gen   uint64
	valid atomic.Bool
}

// Valid reports whether the TB is still live. Invalid TBs are never entered
// and never linked.
func (tb *TB) Valid() bool {
	return tb.valid.Load()
}

// Generation returns the cache generation the TB was created in.
func (tb *TB) Generation() uint64 {
	return tb.gen
}

// SpansTwoPages reports whether the guest code crosses a page boundary.
func (tb *TB) SpansTwoPages() bool {
	return tb.PhysPage[1] != types.InvalidPhys
}

// HasExit reports whether the TB has chainable exit n.
func (tb *TB) HasExit(n int) bool {
	return tb.jmpSite[n] >= 0
}

// ExitSite returns the arena offset of exit n's displacement field.
func (tb *TB) ExitSite(n int) int {
	return tb.jmpSite[n]
}

// ExitReset returns the arena offset exit n falls back to while unresolved.
func (tb *TB) ExitReset(n int) int {
	return tb.jmpReset[n]
}

// ContainsCode reports whether arena offset off lies in the TB's native code.
func (tb *TB) ContainsCode(off int) bool {
	return off >= tb.TCOffset && off < tb.TCOffset+tb.TCSize
}

// pageRange returns the guest bytes of page n that the TB covers, as
// offsets within that page.
func (tb *TB) pageRange(n int) (start, end uint64) {
	first := tb.PhysPC.Offset()
	if n == 0 {
		return first, min(first+tb.Size, types.PageSize)
	}
	return 0, first + tb.Size - types.PageSize
}

// physKey is the physical hash key of entry n: the first guest byte, or the
// second page for a TB that straddles one. InvalidPhys means no entry.
func (tb *TB) physKey(n int) types.PhysAddr {
	if n == 0 {
		return tb.PhysPC
	}
	return tb.PhysPage[1]
}

func (tb *TB) String() string {
	return fmt.Sprintf("tb#%d{pc=%s ctx=%#x phys=%s size=%d tc=%#x+%d}",
		tb.ID, tb.PC, uint64(tb.Context), tb.PhysPC, tb.Size, tb.TCOffset, tb.TCSize)
}

func (tb *TB) reset(id TBID, gen uint64) {
	tb.ID = id
	tb.PC = 0
	tb.Context = 0
	tb.Flags = 0
	tb.Size = 0
	tb.NumInsns = 0
	tb.PhysPC = types.InvalidPhys
	tb.PhysPage = [2]types.PhysAddr{types.InvalidPhys, types.InvalidPhys}
	tb.TCOffset = 0
	tb.TCSize = 0
	tb.Digest = [32]byte{}
	tb.jmpSite = [2]int{-1, -1}
	tb.jmpReset = [2]int{-1, -1}
	tb.jmpTarget = [2]TBID{NoTB, NoTB}
	tb.jmpNext = [2]link{noLink, noLink}
	tb.jmpFirst = noLink
	tb.hashNext = NoTB
	tb.physHashNext = [2]link{noLink, noLink}
	tb.pageNext = [2]link{noLink, noLink}
	tb.gen = gen
	tb.valid.Store(false)
}
