package tbcache

import (
	"github.com/ascrivener/dbt/pkg/errors"
	"github.com/ascrivener/dbt/pkg/types"

	"golang.org/x/crypto/blake2b"
)

// digestLocked hashes the guest bytes tb was translated from.
func (c *TranslationCache) digestLocked(tb *TB) [32]byte {
	h, _ := blake2b.New256(nil)
	for n, page := range tb.PhysPage {
		if page == types.InvalidPhys {
			continue
		}
		start, end := tb.pageRange(n)
		b, err := c.memory.ReadBytes(page+types.PhysAddr(start), int(end-start))
		if err != nil {
			continue
		}
		h.Write(b)
	}
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// Check walks every live TB and reports broken invariants: guest code that
// changed without the TB being invalidated, index entries that do not find
// the TB, and chain edges whose two ends disagree. A healthy cache returns
// nil. It is meant for tests and debugging and holds the lock for a full walk.
func (c *TranslationCache) Check() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, errors.AssertionFailedf(format, args...))
	}

	for i := 0; i < c.nb; i++ {
		tb := &c.pool[i]
		if !tb.Valid() {
			continue
		}
		if tb.gen != c.gen.Load() {
			fail("%s is live but from generation %d", tb, tb.gen)
		}
		if d := c.digestLocked(tb); d != tb.Digest {
			fail("%s: guest code changed without invalidation", tb)
		}
		if got := c.lookupLocked(tb.PC, tb.Context, tb.PhysPC, tb.PhysPage[1], true); got != tb {
			fail("%s not reachable through the pc hash", tb)
		}
		for n := range tb.physHashNext {
			if key := tb.physKey(n); key != types.InvalidPhys && !c.inPhysChainLocked(tb, n, key) {
				fail("%s not reachable through the physical hash bucket of %s", tb, key)
			}
		}
		for n, page := range tb.PhysPage {
			if page == types.InvalidPhys {
				continue
			}
			if !c.onPageLocked(tb, n, page) {
				fail("%s missing from page list of %s", tb, page)
			}
		}

		for n := range tb.jmpSite {
			if !tb.HasExit(n) {
				continue
			}
			dest := c.arena.LoadRel32(tb.jmpSite[n])
			if tb.jmpTarget[n] == NoTB {
				if dest != tb.jmpReset[n] {
					fail("%s slot %d is unresolved but jumps to %#x", tb, n, dest)
				}
				continue
			}
			to := &c.pool[tb.jmpTarget[n]]
			if !to.Valid() {
				fail("%s slot %d chained to dead %s", tb, n, to)
			}
			if dest != to.TCOffset {
				fail("%s slot %d jumps to %#x, want %s", tb, n, dest, to)
			}
		}
		for l := tb.jmpFirst; !l.end(); l = c.pool[l.tb].jmpNext[l.n] {
			from := &c.pool[l.tb]
			if !from.Valid() || from.jmpTarget[l.n] != tb.ID {
				fail("%s lists inbound edge %s slot %d that does not point back", tb, from, l.n)
			}
		}
	}
	return errs
}

func (c *TranslationCache) inPhysChainLocked(tb *TB, n int, key types.PhysAddr) bool {
	for l := c.physHash[c.physHashOf(key)]; !l.end(); l = c.pool[l.tb].physHashNext[l.n] {
		if l.tb == tb.ID && int(l.n) == n {
			return true
		}
	}
	return false
}

func (c *TranslationCache) onPageLocked(tb *TB, n int, page types.PhysAddr) bool {
	pd := c.pages[page.PageNumber()]
	if pd == nil {
		return false
	}
	for l := pd.first; !l.end(); l = c.pool[l.tb].pageNext[l.n] {
		if l.tb == tb.ID && int(l.n) == n {
			return true
		}
	}
	return false
}
